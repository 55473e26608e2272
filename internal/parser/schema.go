package parser

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Field shapes shared by both entry forms.
const fieldDefs = `
	"$defs": {
		"objectType": {"type": "string", "minLength": 1},
		"id":         {"type": ["string", "integer", "null"]},
		"speed":      {"type": "number", "minimum": 0},
		"timestamp":  {"type": ["string", "null"]},
		"direction":  {"type": ["string", "null"]}
	}`

const tupleSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",` + fieldDefs + `,
	"type": "array",
	"minItems": 4,
	"maxItems": 5,
	"prefixItems": [
		{"$ref": "#/$defs/objectType"},
		{"$ref": "#/$defs/id"},
		{"$ref": "#/$defs/speed"},
		{"$ref": "#/$defs/timestamp"},
		{"$ref": "#/$defs/direction"}
	]
}`

const recordSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",` + fieldDefs + `,
	"type": "object",
	"required": ["object_type", "median_speed"],
	"properties": {
		"object_type":       {"$ref": "#/$defs/objectType"},
		"id":                {"$ref": "#/$defs/id"},
		"median_speed":      {"$ref": "#/$defs/speed"},
		"timestamp":         {"$ref": "#/$defs/timestamp"},
		"direction":         {"$ref": "#/$defs/direction"},
		"vehicle_direction": {"$ref": "#/$defs/direction"},
		"vehicle_status":    {"$ref": "#/$defs/direction"}
	}
}`

var (
	tupleSchema  = mustCompile("mem://vehicle-flow/tuple.json", tupleSchemaJSON)
	recordSchema = mustCompile("mem://vehicle-flow/record.json", recordSchemaJSON)
)

func mustCompile(url, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"

	"vehicle-flow-monitor/internal/diag"
	"vehicle-flow-monitor/internal/models"
)

// Decode failures. DecodeError wraps exactly one of these.
var (
	ErrInvalidJSON  = errors.New("entry is not valid JSON")
	ErrUnknownShape = errors.New("entry is neither a tuple nor a record")
	ErrFieldCount   = errors.New("tuple has wrong number of fields")
	ErrSchema       = errors.New("entry does not match schema")
	ErrFieldType    = errors.New("field has wrong type")
	ErrMissingField = errors.New("required field missing")
)

// Form is the wire variant of a raw entry
type Form int

const (
	FormInvalid Form = iota
	FormTuple
	FormRecord
)

func (f Form) String() string {
	switch f {
	case FormTuple:
		return "tuple"
	case FormRecord:
		return "record"
	default:
		return "invalid"
	}
}

// DecodeError describes why one feed entry was rejected
type DecodeError struct {
	Key  string
	Form Form
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("entry %q (%s): %v", e.Key, e.Form, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reason returns a short classification for metrics labels
func (e *DecodeError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(e.Err, ErrUnknownShape):
		return "unknown_shape"
	case errors.Is(e.Err, ErrFieldCount):
		return "field_count"
	case errors.Is(e.Err, ErrSchema):
		return "schema"
	case errors.Is(e.Err, ErrFieldType):
		return "field_type"
	case errors.Is(e.Err, ErrMissingField):
		return "missing_field"
	default:
		return "unknown"
	}
}

// Normalizer turns raw feed snapshots into ordered events
type Normalizer struct {
	reporter diag.Reporter
}

// NewNormalizer creates a normalizer reporting dropped entries to reporter
func NewNormalizer(reporter diag.Reporter) *Normalizer {
	if reporter == nil {
		reporter = diag.Discard
	}
	return &Normalizer{reporter: reporter}
}

// Normalize decodes every entry of raw in key order. Malformed entries are
// reported and skipped; an empty snapshot yields an empty, non-nil slice.
func (n *Normalizer) Normalize(raw models.RawSnapshot) []models.Event {
	if len(raw) == 0 {
		n.reporter.Empty()
		return []models.Event{}
	}

	events := make([]models.Event, 0, len(raw))
	for _, key := range raw.Keys() {
		e, err := DecodeEntry(key, raw[key])
		if err != nil {
			n.reporter.Malformed(key, err)
			continue
		}
		events = append(events, e)
	}
	return events
}

// DecodeEntry decodes one raw entry into an Event
func DecodeEntry(key string, raw json.RawMessage) (models.Event, error) {
	v, err := decodeJSON(raw)
	if err != nil {
		return models.Event{}, &DecodeError{Key: key, Err: fmt.Errorf("%w: %v", ErrInvalidJSON, err)}
	}

	switch entry := v.(type) {
	case []any:
		if len(entry) < 4 || len(entry) > 5 {
			return models.Event{}, &DecodeError{Key: key, Form: FormTuple,
				Err: fmt.Errorf("%w: got %d, want 4 or 5", ErrFieldCount, len(entry))}
		}
		if err := tupleSchema.Validate(entry); err != nil {
			return models.Event{}, &DecodeError{Key: key, Form: FormTuple, Err: fmt.Errorf("%w: %v", ErrSchema, err)}
		}
		e, err := decodeTuple(entry)
		if err != nil {
			return models.Event{}, &DecodeError{Key: key, Form: FormTuple, Err: err}
		}
		e.Key = key
		return e, nil
	case map[string]any:
		if err := recordSchema.Validate(entry); err != nil {
			return models.Event{}, &DecodeError{Key: key, Form: FormRecord, Err: fmt.Errorf("%w: %v", ErrSchema, err)}
		}
		e, err := decodeRecord(entry)
		if err != nil {
			return models.Event{}, &DecodeError{Key: key, Form: FormRecord, Err: err}
		}
		e.Key = key
		return e, nil
	default:
		return models.Event{}, &DecodeError{Key: key, Err: ErrUnknownShape}
	}
}

// decodeJSON keeps numbers as json.Number so large integer ids stay exact
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after entry")
	}
	return v, nil
}

func decodeTuple(t []any) (models.Event, error) {
	var direction any
	if len(t) == 5 {
		direction = t[4]
	}
	return buildEvent(t[0], t[1], t[2], t[3], direction)
}

func decodeRecord(r map[string]any) (models.Event, error) {
	objectType, ok := r["object_type"]
	if !ok {
		return models.Event{}, fmt.Errorf("%w: object_type", ErrMissingField)
	}
	speed, ok := r["median_speed"]
	if !ok {
		return models.Event{}, fmt.Errorf("%w: median_speed", ErrMissingField)
	}
	return buildEvent(objectType, r["id"], speed, r["timestamp"], firstNonNil(r, "direction", "vehicle_direction", "vehicle_status"))
}

func buildEvent(objectType, id, speed, timestamp, direction any) (models.Event, error) {
	var e models.Event

	ot, ok := objectType.(string)
	if !ok || strings.TrimSpace(ot) == "" {
		return e, fmt.Errorf("%w: object_type", ErrFieldType)
	}
	e.ObjectType = models.ObjectType(strings.ToLower(strings.TrimSpace(ot)))

	n, ok := speed.(json.Number)
	if !ok {
		return e, fmt.Errorf("%w: median_speed", ErrFieldType)
	}
	s, err := n.Float64()
	if err != nil || s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return e, fmt.Errorf("%w: median_speed", ErrFieldType)
	}
	e.MedianSpeed = s

	switch v := id.(type) {
	case nil:
	case string:
		e.ID = strings.TrimSpace(v)
	case json.Number:
		id, ok := integerID(v)
		if !ok {
			return e, fmt.Errorf("%w: id", ErrFieldType)
		}
		e.ID = id
	default:
		return e, fmt.Errorf("%w: id", ErrFieldType)
	}

	switch v := timestamp.(type) {
	case nil:
	case string:
		e.Timestamp = v
		if ts, err := parseTimestamp(strings.TrimSpace(v)); err == nil {
			e.ObservedAt = ts
		}
	default:
		return e, fmt.Errorf("%w: timestamp", ErrFieldType)
	}

	switch v := direction.(type) {
	case nil:
	case string:
		e.Direction = models.Direction(strings.ToLower(strings.TrimSpace(v)))
	default:
		return e, fmt.Errorf("%w: direction", ErrFieldType)
	}

	return e, nil
}

// integerID formats an integral number in plain decimal, exactly, whatever
// its size or notation (7, 7.0 and 7e0 are all "7")
func integerID(n json.Number) (string, bool) {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), true
	}
	r, ok := new(big.Rat).SetString(n.String())
	if !ok || !r.IsInt() {
		return "", false
	}
	return r.Num().String(), true
}

func firstNonNil(r map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

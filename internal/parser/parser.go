package parser

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"vehicle-flow-monitor/internal/models"
)

// Parser reads detection files into raw feed snapshots
type Parser struct {
	format string
	logger *slog.Logger
}

// NewParser creates a new parser with the specified format
func NewParser(format string) *Parser {
	return &Parser{format: format, logger: slog.Default().With("component", "parser")}
}

// ParseFile parses a detection file into a raw snapshot
func (p *Parser) ParseFile(filename string) (models.RawSnapshot, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse parses r according to the parser's format
func (p *Parser) Parse(r io.Reader) (models.RawSnapshot, error) {
	switch strings.ToLower(p.format) {
	case "json":
		return p.parseJSON(r)
	case "jsonl":
		return p.parseJSONLines(r)
	case "csv":
		return p.parseCSV(r)
	case "log":
		return p.parseLog(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// lineKey names entries read from keyless formats so they keep file order
func lineKey(n int) string {
	return fmt.Sprintf("line-%08d", n)
}

// parseJSON accepts either a feed export (object of key to entry) or an array of entries
func (p *Parser) parseJSON(r io.Reader) (models.RawSnapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(data, &keyed); err == nil {
		return models.RawSnapshot(keyed), nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("input is neither a keyed object nor an array: %w", err)
	}
	snapshot := make(models.RawSnapshot, len(list))
	for i, entry := range list {
		snapshot[lineKey(i+1)] = entry
	}
	return snapshot, nil
}

// parseJSONLines parses newline-delimited JSON entries
func (p *Parser) parseJSONLines(r io.Reader) (models.RawSnapshot, error) {
	snapshot := make(models.RawSnapshot)
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			p.logger.Warn("skipping invalid JSON line", "line", lineNum)
			continue
		}
		snapshot[lineKey(lineNum)] = json.RawMessage(line)
	}

	return snapshot, scanner.Err()
}

// parseCSV parses header-mapped CSV rows into record entries
func (p *Parser) parseCSV(r io.Reader) (models.RawSnapshot, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}

	snapshot := make(models.RawSnapshot)
	lineNum := 1

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return snapshot, fmt.Errorf("error at line %d: %w", lineNum, err)
		}
		lineNum++

		entry, err := recordToEntry(record, indices)
		if err != nil {
			p.logger.Warn("skipping csv row", "line", lineNum, "err", err)
			continue
		}
		snapshot[lineKey(lineNum)] = entry
	}

	return snapshot, nil
}

// recordToEntry converts a CSV record to a record-form entry
func recordToEntry(record []string, indices map[string]int) (json.RawMessage, error) {
	getValue := func(keys ...string) string {
		for _, key := range keys {
			if idx, ok := indices[key]; ok && idx < len(record) {
				return strings.TrimSpace(record[idx])
			}
		}
		return ""
	}

	objectType := getValue("object_type", "type")
	if objectType == "" {
		return nil, fmt.Errorf("missing object_type")
	}
	speed, err := strconv.ParseFloat(getValue("median_speed", "speed"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid median_speed: %w", err)
	}

	entry := map[string]any{
		"object_type":  objectType,
		"median_speed": speed,
	}
	if id := getValue("id", "vehicle_id"); id != "" {
		entry["id"] = id
	}
	if ts := getValue("timestamp"); ts != "" {
		entry["timestamp"] = ts
	}
	if dir := getValue("direction", "vehicle_direction"); dir != "" {
		entry["direction"] = dir
	}
	return json.Marshal(entry)
}

// parseLog parses the detector log format: object_type|id|speed|timestamp|direction
func (p *Parser) parseLog(r io.Reader) (models.RawSnapshot, error) {
	snapshot := make(models.RawSnapshot)
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			p.logger.Warn("skipping log line with insufficient fields", "line", lineNum)
			continue
		}

		speed, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			p.logger.Warn("skipping log line with invalid speed", "line", lineNum)
			continue
		}

		tuple := []any{strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), speed, strings.TrimSpace(parts[3])}
		if len(parts) > 4 {
			tuple = append(tuple, strings.TrimSpace(parts[4]))
		}
		entry, err := json.Marshal(tuple)
		if err != nil {
			return snapshot, fmt.Errorf("line %d: %w", lineNum, err)
		}
		snapshot[lineKey(lineNum)] = entry
	}

	return snapshot, scanner.Err()
}

// parseTimestamp tries the formats the detectors and exports emit
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006/01/02 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

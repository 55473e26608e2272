package feed

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"vehicle-flow-monitor/internal/models"
	"vehicle-flow-monitor/internal/parser"
)

// FileSource replays snapshot files once, one snapshot per file, in order
type FileSource struct {
	files  []string
	format string
	logger *slog.Logger
}

// NewFileSource creates a replay source. An empty format is picked per file
// from its extension.
func NewFileSource(files []string, format string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{files: files, format: format, logger: logger.With("source", "file")}
}

func (s *FileSource) Name() string { return "file" }

func (s *FileSource) Run(ctx context.Context, out chan<- models.RawSnapshot) error {
	for _, path := range s.files {
		format := s.format
		if format == "" {
			format = FormatFromPath(path)
		}
		raw, err := parser.NewParser(format).ParseFile(path)
		if err != nil {
			return err
		}
		s.logger.Info("replaying snapshot file", "path", path, "entries", len(raw))
		if !send(ctx, out, raw) {
			return nil
		}
	}
	return nil
}

// FormatFromPath maps a file extension to a parser format, defaulting to json
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return "jsonl"
	case ".csv":
		return "csv"
	case ".log", ".txt":
		return "log"
	default:
		return "json"
	}
}

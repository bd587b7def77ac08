package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/tagharvest/pkg/record"
)

// NDJSONWriter writes one JSON object per line. The file is created on the
// first non-empty Write.
type NDJSONWriter struct {
	path string
	f    *os.File
	buf  *bufio.Writer
}

// NewNDJSONWriter creates a writer for dir/results.json.
func NewNDJSONWriter(dir string) *NDJSONWriter {
	return &NDJSONWriter{path: filepath.Join(dir, NDJSONFile)}
}

// Path returns the output file path.
func (w *NDJSONWriter) Path() string {
	return w.path
}

// Write appends records.
func (w *NDJSONWriter) Write(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	if w.f == nil {
		f, err := os.Create(w.path)
		if err != nil {
			return fmt.Errorf("create %s: %w", w.path, err)
		}
		w.f = f
		w.buf = bufio.NewWriter(f)
	}

	enc := json.NewEncoder(w.buf)
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
	}
	return w.buf.Flush()
}

// Close closes the file if it was created.
func (w *NDJSONWriter) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	return err
}

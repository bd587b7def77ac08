// Package output persists the records of a finished run. Writers receive
// the final de-duplicated collection once; an empty collection writes
// nothing.
package output

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Sternrassler/tagharvest/pkg/logging"
	"github.com/Sternrassler/tagharvest/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// File names inside the output directory.
const (
	NDJSONFile  = "results.json"
	ParquetFile = "results.parquet"
	SQLiteFile  = "harvest.db"
)

var recordsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_output_records_total",
	Help: "Total records handed to output writers by writer",
}, []string{"writer"})

// Writer persists records.
type Writer interface {
	Write(ctx context.Context, records []record.Record) error
	Close() error
}

// Config selects the writers.
type Config struct {
	Dir     string
	NDJSON  bool
	Parquet bool
	SQLite  bool
}

// DefaultConfig writes every format into tweet_threaded_out.
func DefaultConfig() Config {
	return Config{
		Dir:     "tweet_threaded_out",
		NDJSON:  true,
		Parquet: true,
		SQLite:  true,
	}
}

// Multi fans out to several writers.
type Multi struct {
	writers []namedWriter
	store   *SQLiteStore
}

type namedWriter struct {
	name string
	w    Writer
}

// Open creates the output directory and the configured writers.
func Open(cfg Config) (*Multi, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("output dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	m := &Multi{}
	if cfg.NDJSON {
		m.add("ndjson", NewNDJSONWriter(cfg.Dir))
	}
	if cfg.Parquet {
		m.add("parquet", NewParquetWriter(cfg.Dir))
	}
	if cfg.SQLite {
		store, err := NewSQLiteStore(cfg.Dir)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.store = store
		m.add("sqlite", store)
	}
	return m, nil
}

func (m *Multi) add(name string, w Writer) {
	m.writers = append(m.writers, namedWriter{name: name, w: w})
}

// Store returns the SQLite store, nil when disabled.
func (m *Multi) Store() *SQLiteStore {
	return m.store
}

// Write hands records to every writer. All writers are attempted; their
// errors are joined.
func (m *Multi) Write(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	logger := logging.NewLogger("output")
	var errs []error
	for _, nw := range m.writers {
		if err := nw.w.Write(ctx, records); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nw.name, err))
			continue
		}
		recordsWrittenTotal.WithLabelValues(nw.name).Add(float64(len(records)))
		logger.Info().
			Str("writer", nw.name).
			Int("records", len(records)).
			Msg("Records written")
	}
	return errors.Join(errs...)
}

// Close closes every writer.
func (m *Multi) Close() error {
	var errs []error
	for _, nw := range m.writers {
		if err := nw.w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", nw.name, err))
		}
	}
	return errors.Join(errs...)
}

package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/tagharvest/pkg/record"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// Schema is the columnar layout of a record.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}},
	{Name: "text", Type: arrow.BinaryTypes.String},
	{Name: "likes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "retweets", Type: arrow.PrimitiveTypes.Int64},
	{Name: "replies", Type: arrow.PrimitiveTypes.Int64},
	{Name: "quotes", Type: arrow.PrimitiveTypes.Int64},
	{Name: "hashtags", Type: arrow.ListOf(arrow.BinaryTypes.String)},
	{Name: "mentions", Type: arrow.ListOf(arrow.BinaryTypes.String)},
	{Name: "author", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "source_term", Type: arrow.BinaryTypes.String},
	{Name: "engagement", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// ParquetWriter writes records as Snappy-compressed Parquet. Every Write
// becomes one row group. The file is created on the first non-empty Write.
type ParquetWriter struct {
	path string
	mem  memory.Allocator
	fw   *pqarrow.FileWriter
}

// NewParquetWriter creates a writer for dir/results.parquet.
func NewParquetWriter(dir string) *ParquetWriter {
	return &ParquetWriter{
		path: filepath.Join(dir, ParquetFile),
		mem:  memory.DefaultAllocator,
	}
}

// Path returns the output file path.
func (w *ParquetWriter) Path() string {
	return w.path
}

// Write appends records as a row group.
func (w *ParquetWriter) Write(ctx context.Context, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if w.fw == nil {
		f, err := os.Create(w.path)
		if err != nil {
			return fmt.Errorf("create %s: %w", w.path, err)
		}
		props := parquet.NewWriterProperties(
			parquet.WithCompression(compress.Codecs.Snappy),
			parquet.WithAllocator(w.mem),
		)
		fw, err := pqarrow.NewFileWriter(Schema, f, props, pqarrow.DefaultWriterProps())
		if err != nil {
			f.Close()
			return fmt.Errorf("create parquet writer: %w", err)
		}
		w.fw = fw
	}

	rec := buildRecord(w.mem, records)
	defer rec.Release()

	if err := w.fw.Write(rec); err != nil {
		return fmt.Errorf("write row group: %w", err)
	}
	return nil
}

// Close writes the footer and closes the file.
func (w *ParquetWriter) Close() error {
	if w.fw == nil {
		return nil
	}
	err := w.fw.Close()
	w.fw = nil
	return err
}

// buildRecord converts records into one arrow record batch.
func buildRecord(mem memory.Allocator, records []record.Record) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	id := b.Field(0).(*array.StringBuilder)
	ts := b.Field(1).(*array.TimestampBuilder)
	text := b.Field(2).(*array.StringBuilder)
	likes := b.Field(3).(*array.Int64Builder)
	retweets := b.Field(4).(*array.Int64Builder)
	replies := b.Field(5).(*array.Int64Builder)
	quotes := b.Field(6).(*array.Int64Builder)
	hashtags := b.Field(7).(*array.ListBuilder)
	mentions := b.Field(8).(*array.ListBuilder)
	author := b.Field(9).(*array.StringBuilder)
	term := b.Field(10).(*array.StringBuilder)
	engagement := b.Field(11).(*array.Int64Builder)

	for _, r := range records {
		id.Append(r.ID)
		ts.Append(arrow.Timestamp(r.Timestamp.UnixMilli()))
		text.Append(r.Text)
		likes.Append(int64(r.Likes))
		retweets.Append(int64(r.Retweets))
		replies.Append(int64(r.Replies))
		quotes.Append(int64(r.Quotes))
		appendList(hashtags, r.Hashtags)
		appendList(mentions, r.Mentions)
		if r.Author == "" {
			author.AppendNull()
		} else {
			author.Append(r.Author)
		}
		term.Append(r.SourceTerm)
		engagement.Append(int64(r.Engagement()))
	}

	return b.NewRecord()
}

func appendList(lb *array.ListBuilder, values []string) {
	lb.Append(true)
	vb := lb.ValueBuilder().(*array.StringBuilder)
	for _, v := range values {
		vb.Append(v)
	}
}

package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/enginedash/internal/store"
)

// ErrWriterClosed is returned when writing to a closed file writer.
var ErrWriterClosed = errors.New("archive: writer closed")

// Compression names a Parquet compression codec.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// String returns the configuration name of the codec.
func (c Compression) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// ParseCompression parses a codec name as used in the config file.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "zstd", "":
		return CompressionZstd, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "gzip":
		return CompressionGzip, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) codec() compress.Codec {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// MetricRow is the on-disk layout of an archived sample. Column names match
// the agent_metrics table so archived and live rows can be queried alike.
type MetricRow struct {
	AgentID        string  `parquet:"agent_id,dict"`
	OrganizationID string  `parquet:"organization_id,dict"`
	MetricType     string  `parquet:"metric_type,dict"`
	Value          float64 `parquet:"value"`
	Unit           string  `parquet:"unit,dict"`
	Tags           string  `parquet:"tags"`
	TimestampMs    int64   `parquet:"timestamp_ms"`
	ID             string  `parquet:"id"`
}

// SampleToRow converts a stored sample to its archive row.
func SampleToRow(m *store.MetricSample) (MetricRow, error) {
	row := MetricRow{
		AgentID:        m.AgentID,
		OrganizationID: m.OrganizationID,
		MetricType:     m.MetricType,
		Value:          m.Value,
		Unit:           m.Unit,
		TimestampMs:    m.TimestampMs,
		ID:             m.ID,
	}
	if len(m.Tags) > 0 {
		b, err := json.Marshal(m.Tags)
		if err != nil {
			return MetricRow{}, fmt.Errorf("marshal tags: %w", err)
		}
		row.Tags = string(b)
	}
	return row, nil
}

// RowToSample converts an archive row back to a sample.
func RowToSample(r *MetricRow) (*store.MetricSample, error) {
	m := &store.MetricSample{
		AgentID:        r.AgentID,
		OrganizationID: r.OrganizationID,
		MetricType:     r.MetricType,
		Value:          r.Value,
		Unit:           r.Unit,
		TimestampMs:    r.TimestampMs,
		ID:             r.ID,
	}
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return m, nil
}

// FileWriter writes metric rows to one Parquet file.
type FileWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[MetricRow]
	rowCount int64
	closed   bool
}

// NewFileWriter creates the file at path, including missing parent
// directories.
func NewFileWriter(path string, c Compression) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	return &FileWriter{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[MetricRow](f, parquet.Compression(c.codec())),
	}, nil
}

// Write appends rows.
func (w *FileWriter) Write(rows []MetricRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written so far.
func (w *FileWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *FileWriter) Path() string {
	return w.path
}

// ReadFile reads every row of a Parquet archive file.
func ReadFile(path string) ([]MetricRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[MetricRow](f)
	defer reader.Close()

	rows := make([]MetricRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}

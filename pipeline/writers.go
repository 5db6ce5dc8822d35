package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/jmorneau/go-scrape-autotrader/models"
)

// CSVWriter writes records to CSV. File creation is deferred until the
// first batch arrives, so a run that extracts nothing leaves no file behind.
type CSVWriter struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	header []string
	rows   int64
}

// NewCSVWriter prepares a lazy CSV writer for path.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("csv path cannot be empty")
	}
	return &CSVWriter{path: path}, nil
}

// Write appends records to the CSV output, creating the file and deriving
// the header from the first record's keys on first use. Records missing a
// header key serialize that cell as empty.
func (cw *CSVWriter) Write(records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.file == nil {
		if err := cw.open(records[0]); err != nil {
			return err
		}
	}

	for _, record := range records {
		row := make([]string, len(cw.header))
		for i, field := range cw.header {
			cell, err := cellValue(record[field])
			if err != nil {
				return fmt.Errorf("encode field %q: %w", field, err)
			}
			row[i] = cell
		}
		if err := cw.writer.Write(row); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
		cw.rows++
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

func (cw *CSVWriter) open(first models.Record) error {
	if err := ensureDir(cw.path); err != nil {
		return err
	}

	f, err := os.Create(cw.path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}

	cw.file = f
	cw.writer = csv.NewWriter(f)
	cw.header = headerFor(first)

	if err := cw.writer.Write(cw.header); err != nil {
		f.Close()
		cw.file = nil
		return fmt.Errorf("write csv header: %w", err)
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		f.Close()
		cw.file = nil
		return fmt.Errorf("flush csv header: %w", err)
	}
	return nil
}

// Rows reports how many data rows have been written.
func (cw *CSVWriter) Rows() int64 {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.rows
}

// Close flushes and closes the file handle, if one was ever created.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.file == nil {
		return nil
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content when records were written. A writer
// that never received a record has nothing to validate.
func (cw *CSVWriter) Validate() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.file == nil {
		return nil
	}
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// headerFor derives the column order from a record: canonical fields that
// the record carries, then any unknown extras in sorted order.
func headerFor(record models.Record) []string {
	header := make([]string, 0, len(record))
	known := make(map[string]bool, len(record))
	for _, field := range models.FieldOrder() {
		if _, ok := record[field]; ok {
			header = append(header, field)
			known[field] = true
		}
	}

	var extras []string
	for field := range record {
		if !known[field] {
			extras = append(extras, field)
		}
	}
	sort.Strings(extras)
	return append(header, extras...)
}

// cellValue renders a record value for a CSV cell. Scalars keep their
// natural text form; lists and maps are JSON-encoded into the cell.
func cellValue(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}

// JSONWriter writes newline-delimited JSON records, created lazily like the
// CSV writer.
type JSONWriter struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	rows    int64
}

// NewJSONWriter prepares a lazy JSONL writer for path.
func NewJSONWriter(path string) (*JSONWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("json path cannot be empty")
	}
	return &JSONWriter{path: path}, nil
}

// Write appends records in JSONL format.
func (jw *JSONWriter) Write(records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.file == nil {
		if err := ensureDir(jw.path); err != nil {
			return err
		}
		f, err := os.Create(jw.path)
		if err != nil {
			return fmt.Errorf("create json file: %w", err)
		}
		jw.file = f
		jw.writer = bufio.NewWriter(f)
		jw.encoder = json.NewEncoder(jw.writer)
	}

	for _, record := range records {
		if err := jw.encoder.Encode(record); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
		jw.rows++
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Rows reports how many records have been written.
func (jw *JSONWriter) Rows() int64 {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.rows
}

// Close flushes buffers and closes the underlying file, if created.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.file == nil {
		return nil
	}
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data when records were written.
func (jw *JSONWriter) Validate() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.file == nil {
		return nil
	}
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

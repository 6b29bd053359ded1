package feed

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tathienbao/indicator-hub/pkg/series"
)

// CSVFeed provides events from a CSV file.
type CSVFeed struct {
	filePath string
	events   []Event
	loaded   bool
}

// NewCSVFeed creates a feed from a CSV file.
// Row format: [op,]timestamp,open,high,low,close[,volume]
// A remove row only needs op and timestamp. Rows without an op are adds.
func NewCSVFeed(filePath string) *CSVFeed {
	return &CSVFeed{filePath: filePath}
}

// Subscribe loads the file on first use and starts sending its events.
func (f *CSVFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	if !f.loaded {
		if err := f.load(); err != nil {
			return nil, err
		}
	}
	return stream(ctx, f.events), nil
}

// Close releases resources.
func (f *CSVFeed) Close() error {
	f.events = nil
	f.loaded = false
	return nil
}

// Name returns the feed identifier.
func (f *CSVFeed) Name() string {
	return "csv"
}

// EventCount returns the number of loaded events.
func (f *CSVFeed) EventCount() int {
	return len(f.events)
}

func (f *CSVFeed) load() error {
	file, err := os.Open(f.filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	events, err := ParseCSV(file)
	if err != nil {
		return fmt.Errorf("parse csv %s: %w", f.filePath, err)
	}

	f.events = events
	f.loaded = true
	return nil
}

// ParseCSV parses mutation events from a CSV reader. A header row is
// skipped. Malformed rows fail the parse with their line number.
func ParseCSV(r io.Reader) ([]Event, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	var events []Event
	lineNum := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		lineNum++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		if lineNum == 1 && isHeader(record) {
			continue
		}

		event, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}

	return events, nil
}

// parseRecord parses a single CSV record into an Event.
func parseRecord(record []string) (Event, error) {
	var event Event

	if len(record) > 0 {
		if op, err := ParseOp(record[0]); err == nil {
			event.Op = op
			record = record[1:]
		}
	}

	if len(record) == 0 {
		return event, fmt.Errorf("%w: missing timestamp", series.ErrInvalidItem)
	}
	ts, err := parseTimestamp(record[0])
	if err != nil {
		return event, err
	}
	event.Quote.Timestamp = ts

	if event.Op == OpRemove {
		return event, nil
	}
	if len(record) < 5 {
		return event, fmt.Errorf("%w: want timestamp,open,high,low,close, got %d fields",
			series.ErrInvalidItem, len(record))
	}

	q := &event.Quote
	for i, dst := range []*decimal.Decimal{&q.Open, &q.High, &q.Low, &q.Close} {
		if *dst, err = decimal.NewFromString(record[i+1]); err != nil {
			return event, fmt.Errorf("%w: parse %s: %v", series.ErrInvalidData, columns[i], err)
		}
	}

	// Volume is optional
	if len(record) > 5 && record[5] != "" {
		if q.Volume, err = decimal.NewFromString(record[5]); err != nil {
			return event, fmt.Errorf("%w: parse volume: %v", series.ErrInvalidData, err)
		}
	}

	return event, q.Validate()
}

var columns = [...]string{"open", "high", "low", "close"}

// parseTimestamp tries multiple timestamp formats. Zone-less values are UTC.
func parseTimestamp(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}

	formats := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
		"01/02/2006 15:04:05",
		"01/02/2006",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: unknown timestamp format: %s", series.ErrInvalidItem, s)
}

// isHeader checks if a record looks like a header row.
func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	headers := []string{"op", "timestamp", "time", "date", "datetime", "open", "high", "low", "close"}
	first := strings.ToLower(record[0])
	for _, h := range headers {
		if first == h {
			return true
		}
	}
	return false
}

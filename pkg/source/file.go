package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/metrics"
)

// FileSource reads rows from a JSON array or newline-delimited JSON file
type FileSource struct {
	path string
}

// NewFileSource creates a source reading path on every fetch
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return "file" }

func (s *FileSource) Fetch(ctx context.Context, w Window) ([]anomaly.Row, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rows file: %w", err)
	}
	defer f.Close()

	rows, err := DecodeRows(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.path, err)
	}
	rows = filterWindow(rows, w)
	metrics.SourceRowsTotal.WithLabelValues(s.Name()).Add(float64(len(rows)))
	return rows, nil
}

// DecodeRows parses a JSON array of rows or one JSON object per line.
// Numbers are kept as json.Number.
func DecodeRows(r io.Reader) ([]anomaly.Row, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return []anomaly.Row{}, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	if first == '[' {
		var rows []anomaly.Row
		if err := dec.Decode(&rows); err != nil {
			return nil, err
		}
		return rows, nil
	}

	rows := make([]anomaly.Row, 0)
	for {
		var row anomaly.Row
		err := dec.Decode(&row)
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
}

// WriteRows writes rows as newline-delimited JSON
func WriteRows(w io.Writer, rows []anomaly.Row) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}

// filterWindow drops rows whose minute parses and falls outside w. Rows that
// fail to parse are kept so the caller reports them.
func filterWindow(rows []anomaly.Row, w Window) []anomaly.Row {
	if w.Start.IsZero() && w.End.IsZero() {
		return rows
	}
	out := rows[:0]
	for _, row := range rows {
		obs, err := anomaly.ParseRow(row)
		if err == nil && !w.Contains(obs.Minute) {
			continue
		}
		out = append(out, row)
	}
	return out
}

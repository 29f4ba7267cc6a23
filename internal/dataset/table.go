package dataset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/cespare/xxhash/v2"
)

// ErrMissingColumn is returned when a requested column is not in the table.
var ErrMissingColumn = errors.New("missing column")

// ErrNoObservations is returned when a table has no rows to analyse.
var ErrNoObservations = errors.New("no observations")

// Table is a raw tabular dataset: a header and string-valued records, as
// produced by the CSV and Postgres loaders. A Table is read-only once built.
type Table struct {
	header []string
	index  map[string]int
	rows   [][]string
}

// NewTable builds a table. Every row must have one value per header column.
func NewTable(header []string, rows [][]string) (*Table, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("column %d has an empty name", i)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		index[name] = i
	}
	for i, row := range rows {
		if len(row) != len(header) {
			return nil, fmt.Errorf("row %d: expected %d values, got %d", i, len(header), len(row))
		}
	}
	h := make([]string, len(header))
	for i, name := range header {
		h[i] = strings.TrimSpace(name)
	}
	return &Table{header: h, index: index, rows: rows}, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.header))
	copy(out, t.header)
	return out
}

// Has reports whether the table has the named column.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns a copy of the named column.
func (t *Table) Column(name string) ([]string, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
	}
	out := make([]string, len(t.rows))
	for r, row := range t.rows {
		out[r] = row[i]
	}
	return out, nil
}

// Fingerprint is a content hash of the table, stable across loads of the
// same data. Used to key cluster-assignment caches and stored summaries.
func (t *Table) Fingerprint() string {
	h := xxhash.New()
	var sep [1]byte
	writeField := func(s string) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.WriteString(s)
	}
	for _, name := range t.header {
		writeField(name)
	}
	h.Write(sep[:])
	for _, row := range t.rows {
		for _, v := range row {
			writeField(v)
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// ColumnSpec names the columns a simulation reads.
type ColumnSpec struct {
	Time     string
	Location string
	Outcome  string
	Controls []string
}

// Observation is one parsed input row.
type Observation struct {
	Time     time.Time
	Location string
	Outcome  float64
	// Controls holds one value per Frame.ControlNames entry. Categorical
	// controls are encoded as level indexes into Frame.ControlLevels.
	Controls []float64
}

// Frame is the private, parsed copy of the columns a run needs.
type Frame struct {
	Observations  []Observation
	ControlNames  []string
	ControlLevels [][]string // nil entry for numeric controls
}

// Len returns the number of observations.
func (f *Frame) Len() int { return len(f.Observations) }

// Outcomes returns a fresh slice of outcome values in row order.
func (f *Frame) Outcomes() []float64 {
	out := make([]float64, len(f.Observations))
	for i, o := range f.Observations {
		out[i] = o.Outcome
	}
	return out
}

// Select parses the named columns into a Frame. Timestamps must parse, and
// outcomes must be finite numbers; the source table is left untouched.
func (t *Table) Select(spec ColumnSpec) (*Frame, error) {
	names := append([]string{spec.Time, spec.Location, spec.Outcome}, spec.Controls...)
	for _, name := range names {
		if !t.Has(name) {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
	}
	if len(t.rows) == 0 {
		return nil, ErrNoObservations
	}

	ti, li, oi := t.index[spec.Time], t.index[spec.Location], t.index[spec.Outcome]
	frame := &Frame{
		Observations:  make([]Observation, len(t.rows)),
		ControlNames:  append([]string(nil), spec.Controls...),
		ControlLevels: make([][]string, len(spec.Controls)),
	}

	for r, row := range t.rows {
		ts, err := ParseTime(row[ti])
		if err != nil {
			return nil, fmt.Errorf("row %d: column %q: %w", r, spec.Time, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(row[oi]), 64)
		if err != nil || math.IsNaN(y) || math.IsInf(y, 0) {
			return nil, fmt.Errorf("row %d: column %q: invalid outcome %q", r, spec.Outcome, row[oi])
		}
		frame.Observations[r] = Observation{
			Time:     ts,
			Location: strings.TrimSpace(row[li]),
			Outcome:  y,
		}
	}

	for c, name := range spec.Controls {
		values, levels := encodeControl(t, t.index[name])
		frame.ControlLevels[c] = levels
		for r := range frame.Observations {
			frame.Observations[r].Controls = append(frame.Observations[r].Controls, values[r])
		}
	}

	return frame, nil
}

// encodeControl parses a control column as numbers when every value parses,
// and as categorical level indexes otherwise.
func encodeControl(t *Table, col int) ([]float64, []string) {
	values := make([]float64, len(t.rows))
	numeric := true
	for r, row := range t.rows {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			numeric = false
			break
		}
		values[r] = v
	}
	if numeric {
		return values, nil
	}

	var levels []string
	seen := make(map[string]int)
	for r, row := range t.rows {
		v := strings.TrimSpace(row[col])
		idx, ok := seen[v]
		if !ok {
			idx = len(levels)
			seen[v] = idx
			levels = append(levels, v)
		}
		values[r] = float64(idx)
	}
	return values, levels
}

// ParseTime accepts Unix seconds and the date-time layouts dateparse
// recognises. Values without a zone are read as UTC; values with an offset
// keep it, so bucketing happens on the local wall clock.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	ts, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q: %w", s, err)
	}
	if _, offset := ts.Zone(); offset == 0 {
		return ts.UTC(), nil
	}
	return ts, nil
}

package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// LoadCSV reads a table from CSV with a header row.
func LoadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("csv: empty input")
		}
		return nil, fmt.Errorf("csv: failed to read header: %w", err)
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv: failed to read records: %w", err)
	}

	return NewTable(header, rows)
}

// LoadCSVFile reads a CSV table from disk.
func LoadCSVFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	t, err := LoadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

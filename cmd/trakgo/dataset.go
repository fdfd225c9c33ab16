package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Dataset holds examples read from CSV.
type Dataset struct {
	Inputs [][]float32
	Labels []float64
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.Inputs) }

// LoadCSV reads a dataset where every record is dim feature columns
// followed by the label. A first record that fails to parse is treated as
// a header.
func LoadCSV(path string, dim int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ds, err := ReadCSV(f, dim)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// ReadCSV is LoadCSV over a reader.
func ReadCSV(r io.Reader, dim int) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = dim + 1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	ds := &Dataset{}
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		x, y, err := parseRecord(rec, dim)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ds.Inputs = append(ds.Inputs, x)
		ds.Labels = append(ds.Labels, y)
	}
	if ds.Len() == 0 {
		return nil, errors.New("no examples")
	}
	return ds, nil
}

func parseRecord(rec []string, dim int) ([]float32, float64, error) {
	x := make([]float32, dim)
	for i := 0; i < dim; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 32)
		if err != nil {
			return nil, 0, err
		}
		x[i] = float32(v)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(rec[dim]), 64)
	if err != nil {
		return nil, 0, err
	}
	return x, y, nil
}

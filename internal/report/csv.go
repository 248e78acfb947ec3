package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"home-energy/internal/aggregate"
)

// ErrMalformedCSV is returned by ParseCSV for input it cannot read back.
var ErrMalformedCSV = errors.New("malformed energy report")

// ToCSV renders rows under a header line. Fields are quoted only when they
// contain a comma, quote or line break. Energies are written with the
// shortest representation that parses back to the same value.
func ToCSV(rows []Row, headers []string) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(headers); err != nil {
		return "", err
	}
	record := make([]string, 0, len(headers))
	for _, r := range rows {
		record = append(record[:0], r.Name, strconv.FormatFloat(r.Energy, 'f', -1, 64))
		record = append(record, r.Extra...)
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write csv: %w", err)
	}
	return b.String(), nil
}

// ExportCSV renders an aggregate as a CSV report.
func ExportCSV(agg *aggregate.Aggregate) (string, error) {
	return ToCSV(ToRows(agg), Headers(agg))
}

// ParseCSV reads a report produced by ToCSV. The unit of every row is taken
// from the "Energy (<unit>)" header.
func ParseCSV(s string) ([]Row, []string, error) {
	r := csv.NewReader(strings.NewReader(s))
	headers, err := r.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("%w: missing header", ErrMalformedCSV)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedCSV, err)
	}
	if len(headers) < 2 {
		return nil, nil, fmt.Errorf("%w: header has %d columns, want at least 2", ErrMalformedCSV, len(headers))
	}
	unit, ok := unitOf(headers[1])
	if !ok {
		return nil, nil, fmt.Errorf("%w: second column %q is not \"Energy (<unit>)\"", ErrMalformedCSV, headers[1])
	}

	var rows []Row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedCSV, err)
		}
		energy, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			line, _ := r.FieldPos(1)
			return nil, nil, fmt.Errorf("%w: line %d: energy %q", ErrMalformedCSV, line, record[1])
		}
		row := Row{Name: record[0], Energy: energy, Unit: unit}
		if len(record) > 2 {
			row.Extra = record[2:]
		}
		rows = append(rows, row)
	}
	return rows, headers, nil
}

// Package excel decodes uploaded workbooks into header-keyed rows and encodes
// merge results back into a single-sheet workbook.
package excel

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrParse marks bytes that cannot be decoded as a supported workbook.
var ErrParse = errors.New("workbook parse failed")

// ResultSheetName is the sheet carrying exported merge results.
const ResultSheetName = "Result"

// ReadRows decodes the first sheet of an XLSX workbook. The first row supplies
// the column headers; every following row becomes a header-keyed map. Cells
// whose text round-trips through ParseFloat are coerced to float64 so numeric
// columns stay numeric across dedup, sort and export. Empty cells are absent
// from the row map, and rows with no non-empty cell are dropped.
func ReadRows(data []byte) ([]map[string]any, []string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("%w: no sheets in workbook", ErrParse)
	}

	iter, err := f.Rows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer iter.Close()

	var headers []string
	var rows []map[string]any
	first := true
	for iter.Next() {
		cells, err := iter.Columns()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if first {
			first = false
			for _, cell := range cells {
				headers = append(headers, strings.TrimSpace(cell))
			}
			continue
		}
		row := make(map[string]any, len(headers))
		for i, header := range headers {
			if header == "" || i >= len(cells) {
				continue
			}
			value := strings.TrimSpace(cells[i])
			if value == "" {
				continue
			}
			row[header] = coerceCell(value)
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}

	keys := make([]string, 0, len(headers))
	for _, header := range headers {
		if header != "" {
			keys = append(keys, header)
		}
	}
	return rows, keys, nil
}

// coerceCell converts canonical numeric text to float64 and leaves everything
// else as a string. Values like "001" keep their text form.
func coerceCell(value string) any {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	if strconv.FormatFloat(n, 'f', -1, 64) != value {
		return value
	}
	return n
}

// Encode writes rows into a one-sheet workbook named Result, keeping the
// provided header order. Numeric values become number cells so that a decoded
// export reproduces the same logical rows.
func Encode(headers []string, rows []map[string]any) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(ResultSheetName)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}

	headerCells := make([]any, len(headers))
	for i, header := range headers {
		headerCells[i] = header
	}
	if err := f.SetSheetRow(ResultSheetName, "A1", &headerCells); err != nil {
		return nil, err
	}

	for i, row := range rows {
		cells := make([]any, len(headers))
		for j, header := range headers {
			if value, ok := row[header]; ok {
				cells[j] = value
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(ResultSheetName, cell, &cells); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

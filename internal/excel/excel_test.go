package excel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"
)

func sheetBytes(t *testing.T, sheet string, cells [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			t.Fatalf("rename sheet: %v", err)
		}
	}
	for i, row := range cells {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func TestReadRowsDecodesFirstSheet(t *testing.T) {
	data := sheetBytes(t, "成绩表", [][]any{
		{" 学号 ", "姓名", "成绩"},
		{"S1", "Ann", 92.5},
		{"S2", "Bob", nil},
	})

	rows, headers, err := ReadRows(data)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(headers) != 3 || headers[0] != "学号" {
		t.Fatalf("headers should be trimmed, got %v", headers)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["成绩"] != 92.5 {
		t.Fatalf("numeric cell should decode as float64, got %T %v", rows[0]["成绩"], rows[0]["成绩"])
	}
	if _, ok := rows[1]["成绩"]; ok {
		t.Fatalf("empty cell must be absent from the row map")
	}
}

func TestReadRowsNumericCoercion(t *testing.T) {
	data := sheetBytes(t, "Sheet1", [][]any{
		{"id", "code", "score"},
		{"S1", "001", "88.5"},
	})

	rows, _, err := ReadRows(data)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rows[0]["score"] != 88.5 {
		t.Fatalf("canonical numeric text coerces to float64, got %T %v", rows[0]["score"], rows[0]["score"])
	}
	if rows[0]["code"] != "001" {
		t.Fatalf("leading-zero text must stay a string, got %T %v", rows[0]["code"], rows[0]["code"])
	}
}

func TestReadRowsDropsEmptyRows(t *testing.T) {
	data := sheetBytes(t, "Sheet1", [][]any{
		{"id", "name"},
		{"", ""},
		{"S1", "Ann"},
		{"  ", "  "},
	})

	rows, _, err := ReadRows(data)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows with no non-empty cell are dropped, got %d rows", len(rows))
	}
}

func TestReadRowsRejectsGarbage(t *testing.T) {
	if _, _, err := ReadRows([]byte("definitely not a zip archive")); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	headers := []string{"学号", "姓名", "成绩"}
	in := []map[string]any{
		{"学号": "S1", "姓名": "Ann", "成绩": 92.5},
		{"学号": "S2", "姓名": "Bob"},
	}

	data, err := Encode(headers, in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) != 1 || sheets[0] != ResultSheetName {
		t.Fatalf("export must carry a single %s sheet, got %v", ResultSheetName, sheets)
	}

	rows, gotHeaders, err := ReadRows(data)
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(gotHeaders) != 3 || gotHeaders[0] != "学号" || gotHeaders[2] != "成绩" {
		t.Fatalf("header order lost: %v", gotHeaders)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows back, got %d", len(rows))
	}
	if rows[0]["成绩"] != 92.5 {
		t.Fatalf("numeric value lost its type: %T %v", rows[0]["成绩"], rows[0]["成绩"])
	}
	if _, ok := rows[1]["成绩"]; ok {
		t.Fatalf("missing value must stay absent after round trip")
	}
}

package convert

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/dgallion1/mailgest/internal/mailtree"
)

func buildWorkbook(t *testing.T, sheets map[string][][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	first := true
	for name, rows := range sheets {
		if first {
			f.SetSheetName("Sheet1", name)
			first = false
		} else {
			if _, err := f.NewSheet(name); err != nil {
				t.Fatalf("new sheet: %v", err)
			}
		}
		for i, row := range rows {
			cell, _ := excelize.CoordinatesToCellName(1, i+1)
			if err := f.SetSheetRow(name, cell, &row); err != nil {
				t.Fatalf("set row: %v", err)
			}
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func TestSpreadsheet_OneOutputPerSheet(t *testing.T) {
	content := buildWorkbook(t, map[string][][]any{
		"Revenue":  {{"month", "amount"}, {"jan", 100}},
		"Costs":    {{"month", "amount"}, {"jan", 40}},
		"Forecast": {{"month", "amount"}, {"feb", 120}},
	})
	att := &mailtree.Attachment{Name: "numbers.xlsx", Content: content}

	c := &SpreadsheetConverter{}
	res, err := c.Convert(context.Background(), att, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Outputs) != 3 {
		t.Fatalf("expected 3 outputs for 3 sheets, got %d", len(res.Outputs))
	}
	names := map[string]bool{}
	for _, out := range res.Outputs {
		names[out.Name] = true
	}
	for _, want := range []string{"Revenue.csv", "Costs.csv", "Forecast.csv"} {
		if !names[want] {
			t.Errorf("missing output %q, have %v", want, names)
		}
	}
	if res.Metadata["sheets"] != "3" {
		t.Errorf("expected sheet count 3, got %q", res.Metadata["sheets"])
	}
}

func TestSpreadsheet_FormulaReducesToCachedValue(t *testing.T) {
	f := excelize.NewFile()
	f.SetCellValue("Sheet1", "A1", 2)
	f.SetCellValue("Sheet1", "B1", 3)
	f.SetCellFormula("Sheet1", "C1", "A1+B1")
	// The cached result a spreadsheet application would have written.
	f.SetCellValue("Sheet1", "C1", 5)
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	c := &SpreadsheetConverter{}
	res, err := c.Convert(context.Background(), &mailtree.Attachment{Name: "calc.xlsx", Content: buf.Bytes()}, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := string(res.Outputs[0].Content)
	if strings.Contains(text, "A1+B1") {
		t.Errorf("formula text leaked into output: %q", text)
	}
	if !strings.Contains(text, "5") {
		t.Errorf("expected cached value 5 in output, got %q", text)
	}
}

func TestSpreadsheet_SheetNameSanitized(t *testing.T) {
	content := buildWorkbook(t, map[string][][]any{
		"Q1<Q2": {{"a"}},
	})
	c := &SpreadsheetConverter{}
	res, err := c.Convert(context.Background(), &mailtree.Attachment{Name: "odd.xlsx", Content: content}, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outputs[0].Name != "Q1_Q2.csv" {
		t.Errorf("expected sanitized output name, got %q", res.Outputs[0].Name)
	}
}

func TestSpreadsheet_CSVPassthrough(t *testing.T) {
	csvData := "name,amount\nalice,\"1,200\"\nbob,5\n"
	att := &mailtree.Attachment{Name: "ledger.csv", Content: []byte(csvData)}

	c := &SpreadsheetConverter{}
	res, err := c.Convert(context.Background(), att, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Outputs) != 1 || res.Outputs[0].Name != "ledger.csv" {
		t.Fatalf("expected single ledger.csv output, got %+v", res.Outputs)
	}
	text := string(res.Outputs[0].Content)
	if !strings.Contains(text, "alice") || !strings.Contains(text, "1,200") {
		t.Errorf("quoted field lost: %q", text)
	}
}

func TestSpreadsheet_RaggedCSVAccepted(t *testing.T) {
	csvData := "a,b,c\n1,2\nonly-one\n"
	c := &SpreadsheetConverter{}
	res, err := c.Convert(context.Background(), &mailtree.Attachment{Name: "ragged.csv", Content: []byte(csvData)}, Config{})
	if err != nil {
		t.Fatalf("ragged rows should be tolerated: %v", err)
	}
	if !strings.Contains(string(res.Outputs[0].Content), "only-one") {
		t.Errorf("short row dropped: %q", res.Outputs[0].Content)
	}
}

func TestSpreadsheet_CorruptWorkbook(t *testing.T) {
	att := &mailtree.Attachment{Name: "broken.xlsx", Content: []byte("PK\x03\x04 not really a workbook")}
	c := &SpreadsheetConverter{}
	_, err := c.Convert(context.Background(), att, Config{})
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcessingError, got %v", err)
	}
}

func TestSpreadsheet_SizeLimit(t *testing.T) {
	att := &mailtree.Attachment{Name: "big.csv", Content: []byte(strings.Repeat("x,", 100))}
	c := &SpreadsheetConverter{}
	_, err := c.Convert(context.Background(), att, Config{MaxBytes: 10})
	var serr *FileSizeError
	if !errors.As(err, &serr) {
		t.Fatalf("expected FileSizeError, got %v", err)
	}
}

func TestSpreadsheet_Supports(t *testing.T) {
	c := &SpreadsheetConverter{}
	for name, want := range map[string]bool{
		"a.xlsx": true, "a.XLSX": true, "a.xlsm": true, "a.csv": true,
		"a.pdf": false, "a.docx": false, "a": false,
	} {
		if got := c.Supports(&mailtree.Attachment{Name: name}); got != want {
			t.Errorf("Supports(%q): expected %v, got %v", name, want, got)
		}
	}
}

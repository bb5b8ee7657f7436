package convert

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dgallion1/mailgest/internal/mailtree"
)

// SpreadsheetConverter emits one tabular text output per sheet. Formula
// cells reduce to their last calculated value and numeric/date display
// formatting is preserved, because rows are read as formatted strings.
type SpreadsheetConverter struct{}

func (c *SpreadsheetConverter) Name() string { return "spreadsheet" }

func (c *SpreadsheetConverter) Supports(att *mailtree.Attachment) bool {
	switch strings.ToLower(filepath.Ext(att.Name)) {
	case ".xlsx", ".xlsm", ".csv":
		return true
	}
	return false
}

func (c *SpreadsheetConverter) Convert(ctx context.Context, att *mailtree.Attachment, cfg Config) (*Result, error) {
	if err := revalidate(att, cfg); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(att.Name), ".csv") {
		return c.convertCSV(att)
	}
	return c.convertWorkbook(att)
}

func (c *SpreadsheetConverter) convertWorkbook(att *mailtree.Attachment) (*Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(att.Content))
	if err != nil {
		return nil, &ProcessingError{Converter: c.Name(), Err: fmt.Errorf("open workbook: %w", err)}
	}
	defer f.Close()

	res := &Result{Converter: c.Name(), Metadata: map[string]string{}}
	sheets := f.GetSheetList()
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("sheet %s: %v", sheet, err))
			continue
		}
		out, err := renderRows(rows)
		if err != nil {
			return nil, &ProcessingError{Converter: c.Name(), Err: fmt.Errorf("render sheet %s: %w", sheet, err)}
		}
		res.Outputs = append(res.Outputs, Output{
			Name:    sheetFileName(sheet),
			Content: out,
		})
	}
	res.Metadata["sheets"] = fmt.Sprintf("%d", len(sheets))
	return res, nil
}

func (c *SpreadsheetConverter) convertCSV(att *mailtree.Attachment) (*Result, error) {
	reader := csv.NewReader(bytes.NewReader(att.Content))
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, &ProcessingError{Converter: c.Name(), Err: fmt.Errorf("parse csv: %w", err)}
	}
	out, err := renderRows(records)
	if err != nil {
		return nil, &ProcessingError{Converter: c.Name(), Err: err}
	}
	name := strings.TrimSuffix(att.Name, filepath.Ext(att.Name))
	return &Result{
		Converter: c.Name(),
		Outputs:   []Output{{Name: sheetFileName(name), Content: out}},
		Metadata:  map[string]string{"sheets": "1"},
	}, nil
}

// renderRows writes rows back out as normalized CSV text.
func renderRows(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sheetFileName(sheet string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, sheet)
	return safe + ".csv"
}

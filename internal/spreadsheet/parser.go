// Package spreadsheet turns SINAPI/SICRO price tables (CSV or XLSX) into
// canonical price references. Row-level problems are collected, never fatal.
package spreadsheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"refprice/internal/model"
)

// Formats reported in ParseResult.Format.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

var (
	ErrEmptyInput = errors.New("spreadsheet: empty input")
	// ErrNoHeader means no row among the first 20 carries code and description columns.
	ErrNoHeader = errors.New("spreadsheet: no header row with code and description columns")
)

// ParseOptions carries the identity fields the file itself does not hold.
type ParseOptions struct {
	Source         string
	Region         string
	ReferenceMonth string
	ItemType       model.ItemType
	TransportMode  string
	// TaxRegime applies to tables with a single price column; default burdened.
	TaxRegime model.TaxRegime

	// rawNumbers marks price cells that hold unformatted XLSX values.
	rawNumbers bool
}

// RowError is a non-fatal problem in one data row (1-based sheet row number).
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

func (e RowError) Error() string { return fmt.Sprintf("linha %d: %s", e.Row, e.Message) }

// ParseResult is the outcome of one Parse call.
type ParseResult struct {
	Items      []model.PriceReference
	Errors     []RowError
	Format     string
	Sheet      string
	HeaderRow  int
	DurationMs int64
}

// Parse detects the format by content (XLSX is a zip archive) and extracts
// every priced row.
func Parse(data []byte, opts ParseOptions) (*ParseResult, error) {
	start := time.Now()
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyInput
	}

	var (
		res *ParseResult
		err error
	)
	if isZip(data) {
		res, err = parseXLSX(data, opts)
	} else {
		res, err = parseCSV(data, opts)
	}
	if err != nil {
		return nil, err
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

func isZip(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04"))
}

func parseXLSX(data []byte, opts ParseOptions) (*ParseResult, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("spreadsheet: open xlsx: %w", err)
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("spreadsheet: read sheet %q: %w", sheet, err)
		}
		idx, cols, ok := detectHeader(rows)
		if !ok {
			continue
		}
		// Formatted text depends on the workbook locale; numeric cells are
		// read again without their number format.
		if raw, err := f.GetRows(sheet, excelize.Options{RawCellValue: true}); err == nil {
			overlayNumeric(rows, raw, cols)
			opts.rawNumbers = true
		}
		res := extract(rows, nil, idx, cols, opts)
		res.Format = FormatXLSX
		res.Sheet = sheet
		return res, nil
	}
	return nil, ErrNoHeader
}

// csvDelimiters in sniffing order; the first one that yields a header wins.
var csvDelimiters = []rune{';', '\t', ','}

func parseCSV(data []byte, opts ParseOptions) (*ParseResult, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		data = latin1ToUTF8(data)
	}

	var lastErr error
	for _, delim := range csvDelimiters {
		rows, lines, err := readCSV(data, delim)
		if err != nil {
			lastErr = err
			continue
		}
		idx, cols, ok := detectHeader(rows)
		if !ok {
			continue
		}
		res := extract(rows, lines, idx, cols, opts)
		res.Format = FormatCSV
		return res, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("spreadsheet: read csv: %w", lastErr)
	}
	return nil, ErrNoHeader
}

// readCSV also returns the source line of every record, since the reader
// skips blank lines.
func readCSV(data []byte, delim rune) ([][]string, []int, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var (
		rows  [][]string
		lines []int
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, lines, nil
		}
		if err != nil {
			return nil, nil, err
		}
		line, _ := r.FieldPos(0)
		rows = append(rows, rec)
		lines = append(lines, line)
	}
}

// latin1ToUTF8 re-encodes ISO-8859-1 bytes, the encoding of the official CSV exports.
func latin1ToUTF8(b []byte) []byte {
	var sb strings.Builder
	sb.Grow(len(b) + len(b)/8)
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return []byte(sb.String())
}

// extract builds records from the rows below the header. lines maps a row
// index to its 1-based source line; nil means index+1.
func extract(rows [][]string, lines []int, headerIdx int, cols columnMap, opts ParseOptions) *ParseResult {
	lineOf := func(i int) int {
		if lines != nil {
			return lines[i]
		}
		return i + 1
	}
	res := &ParseResult{HeaderRow: lineOf(headerIdx)}
	for i := headerIdx + 1; i < len(rows); i++ {
		row := rows[i]
		rowNum := lineOf(i)
		code := cols.cell(row, fieldCode)
		desc := cols.cell(row, fieldDescription)
		if code == "" && desc == "" {
			continue
		}
		items, err := buildRow(row, cols, code, desc, opts)
		if err != "" {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Message: err})
			continue
		}
		res.Items = append(res.Items, items...)
	}
	return res
}

// buildRow returns one record per available regime price, or a row error message.
func buildRow(row []string, cols columnMap, code, desc string, opts ParseOptions) ([]model.PriceReference, string) {
	if code == "" {
		return nil, "código ausente"
	}
	if desc == "" {
		return nil, "descrição ausente"
	}

	burdened, hasB, err := opts.number(cols.cell(row, fieldBurdened))
	if err != nil {
		return nil, "preço onerado: " + err.Error()
	}
	unburdened, hasU, err := opts.number(cols.cell(row, fieldUnburdened))
	if err != nil {
		return nil, "preço desonerado: " + err.Error()
	}
	single, hasS, err := opts.number(cols.cell(row, fieldPrice))
	if err != nil {
		return nil, "preço: " + err.Error()
	}

	var regimes []model.TaxRegime
	switch {
	case hasB && hasU:
		regimes = []model.TaxRegime{model.RegimeBurdened, model.RegimeUnburdened}
	case hasB:
		unburdened = burdened
		regimes = []model.TaxRegime{model.RegimeBurdened}
	case hasU:
		burdened = unburdened
		regimes = []model.TaxRegime{model.RegimeUnburdened}
	case hasS:
		burdened, unburdened = single, single
		regime := opts.TaxRegime
		if !regime.Valid() {
			regime = model.RegimeBurdened
		}
		regimes = []model.TaxRegime{regime}
	default:
		return nil, "nenhum preço informado"
	}

	itemType := opts.ItemType
	if itemType == "" {
		itemType = model.ItemInput
	}
	labor, _ := opts.optionalNumber(cols.cell(row, fieldLabor))
	material, _ := opts.optionalNumber(cols.cell(row, fieldMaterial))
	equipment, _ := opts.optionalNumber(cols.cell(row, fieldEquipment))
	transport, _ := opts.optionalNumber(cols.cell(row, fieldTransport))

	out := make([]model.PriceReference, 0, len(regimes))
	for _, regime := range regimes {
		ref := model.NewPriceReference(opts.Source, code, opts.Region, opts.ReferenceMonth, regime, burdened, unburdened)
		ref.Description = desc
		ref.Unit = cols.cell(row, fieldUnit)
		ref.Category = cols.cell(row, fieldCategory)
		ref.ItemType = itemType
		ref.TransportMode = strings.ToLower(opts.TransportMode)
		ref.LaborCost = labor
		ref.MaterialCost = material
		ref.EquipmentCost = equipment
		ref.TransportCost = transport
		out = append(out, ref)
	}
	return out, ""
}

// optionalNumber parses a breakdown cell; unparseable values count as absent.
func (o ParseOptions) optionalNumber(raw string) (*decimal.Decimal, bool) {
	d, ok, err := o.number(raw)
	if err != nil || !ok {
		return nil, false
	}
	return &d, true
}

func (o ParseOptions) number(raw string) (decimal.Decimal, bool, error) {
	if o.rawNumbers {
		if d, err := decimal.NewFromString(strings.TrimSpace(raw)); err == nil {
			return d, true, nil
		}
	}
	return ParseNumber(raw)
}

var numericFields = []field{
	fieldBurdened, fieldUnburdened, fieldPrice,
	fieldLabor, fieldMaterial, fieldEquipment, fieldTransport,
}

// overlayNumeric copies the unformatted price cells of raw into rows.
func overlayNumeric(rows, raw [][]string, cols columnMap) {
	for i := range rows {
		if i >= len(raw) {
			return
		}
		for _, f := range numericFields {
			c := cols[f]
			if c < 0 || c >= len(raw[i]) {
				continue
			}
			for len(rows[i]) <= c {
				rows[i] = append(rows[i], "")
			}
			rows[i][c] = raw[i][c]
		}
	}
}

package spreadsheet

import (
	"strings"
	"unicode"
)

// field is a logical column of a price table.
type field int

const (
	fieldCode field = iota
	fieldDescription
	fieldUnit
	fieldBurdened
	fieldUnburdened
	fieldLabor
	fieldMaterial
	fieldEquipment
	fieldTransport
	fieldCategory
	fieldPrice // single-price tables
	fieldCount
)

// synonyms per field, most specific first. Fields are resolved in
// declaration order and a column is claimed by at most one field, so the
// regime-specific price columns win over the generic "PRECO".
var synonyms = [fieldCount][]string{
	fieldCode:        {"CODIGO", "CODIGO SINAPI", "CODIGO DO INSUMO", "CODIGO DA COMPOSICAO", "COD", "CODIGO SICRO", "ITEM"},
	fieldDescription: {"DESCRICAO", "DESCRICAO DO INSUMO", "DESCRICAO DA COMPOSICAO", "DESCRICAO DO SERVICO", "DENOMINACAO", "ESPECIFICACAO"},
	fieldUnit:        {"UNIDADE", "UNID", "UND", "UN", "UNIDADE DE MEDIDA"},
	fieldBurdened:    {"PRECO ONERADO", "CUSTO ONERADO", "PRECO MEDIANO ONERADO", "VALOR ONERADO", "ONERADO"},
	fieldUnburdened:  {"PRECO DESONERADO", "CUSTO DESONERADO", "PRECO MEDIANO DESONERADO", "VALOR DESONERADO", "DESONERADO"},
	fieldLabor:       {"MAO DE OBRA", "CUSTO MAO DE OBRA", "MO"},
	fieldMaterial:    {"MATERIAL", "CUSTO MATERIAL", "MATERIAIS"},
	fieldEquipment:   {"EQUIPAMENTO", "CUSTO EQUIPAMENTO", "EQUIPAMENTOS"},
	fieldTransport:   {"TRANSPORTE", "CUSTO TRANSPORTE"},
	fieldCategory:    {"CLASSE", "CATEGORIA", "GRUPO", "TIPO"},
	fieldPrice:       {"PRECO UNITARIO", "PRECO MEDIANO", "CUSTO UNITARIO", "PRECO", "CUSTO", "VALOR", "CUSTO TOTAL"},
}

// maxHeaderScan bounds how many leading rows may be titles or notes.
const maxHeaderScan = 20

// columnMap maps each field to its column index, -1 when absent.
type columnMap [fieldCount]int

func (m columnMap) has(f field) bool { return m[f] >= 0 }

func (m columnMap) cell(row []string, f field) string {
	i := m[f]
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

var accentFolder = strings.NewReplacer(
	"Á", "A", "À", "A", "Â", "A", "Ã", "A", "Ä", "A",
	"É", "E", "È", "E", "Ê", "E", "Ë", "E",
	"Í", "I", "Ì", "I", "Î", "I", "Ï", "I",
	"Ó", "O", "Ò", "O", "Ô", "O", "Õ", "O", "Ö", "O",
	"Ú", "U", "Ù", "U", "Û", "U", "Ü", "U",
	"Ç", "C", "Ñ", "N",
)

// normalizeHeader uppercases, folds accents, turns punctuation into spaces
// and collapses whitespace: "Preço Onerado (R$)" → "PRECO ONERADO R".
func normalizeHeader(s string) string {
	s = accentFolder.Replace(strings.ToUpper(s))
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// mapColumns resolves every field against one candidate header row. An exact
// header match beats a whole-word match; ok requires code and description.
func mapColumns(row []string) (columnMap, bool) {
	var m columnMap
	for f := range m {
		m[f] = -1
	}
	headers := make([]string, len(row))
	for i, h := range row {
		headers[i] = normalizeHeader(h)
	}
	claimed := make([]bool, len(row))

	for f := field(0); f < fieldCount; f++ {
		m[f] = findColumn(headers, claimed, synonyms[f])
		if m[f] >= 0 {
			claimed[m[f]] = true
		}
	}
	return m, m.has(fieldCode) && m.has(fieldDescription)
}

func findColumn(headers []string, claimed []bool, syns []string) int {
	for _, syn := range syns {
		for i, h := range headers {
			if !claimed[i] && h == syn {
				return i
			}
		}
	}
	for _, syn := range syns {
		needle := " " + syn + " "
		for i, h := range headers {
			if !claimed[i] && h != "" && strings.Contains(" "+h+" ", needle) {
				return i
			}
		}
	}
	return -1
}

// detectHeader returns the index of the first row, within maxHeaderScan,
// that maps both code and description.
func detectHeader(rows [][]string) (int, columnMap, bool) {
	limit := len(rows)
	if limit > maxHeaderScan {
		limit = maxHeaderScan
	}
	for i := 0; i < limit; i++ {
		if m, ok := mapColumns(rows[i]); ok {
			return i, m, true
		}
	}
	return -1, columnMap{}, false
}

package spreadsheet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"refprice/internal/model"
)

func defaultOpts() ParseOptions {
	return ParseOptions{Source: "sinapi", Region: "DF", ReferenceMonth: "2024-01"}
}

func TestParseNumber(t *testing.T) {
	cases := map[string]string{
		"1.234,56":   "1234.56",
		"0,75":       "0.75",
		"1234.56":    "1234.56",
		"1,234.56":   "1234.56",
		"R$ 12,50":   "12.5",
		"1.234.567":  "1234567",
		" 10 ":       "10",
		"-3,5":       "-3.5",
		"R$ 1.000,0": "1000",
		"1.234":      "1234",
		"-12.500":    "-12500",
		"0.750":      "0.75",
		"12.5":       "12.5",
		"12.3456":    "12.3456",
	}
	for in, want := range cases {
		d, ok, err := ParseNumber(in)
		require.NoError(t, err, in)
		require.True(t, ok, in)
		assert.Equal(t, want, d.String(), in)
	}

	_, ok, err := ParseNumber("")
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseNumber("abc")
	assert.Error(t, err)
}

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, "PRECO ONERADO R", normalizeHeader("Preço  Onerado (R$)"))
	assert.Equal(t, "DESCRICAO DO INSUMO", normalizeHeader("descrição do insumo"))
	assert.Equal(t, "CODIGO", normalizeHeader(" Código: "))
}

func TestParse_CSVBothRegimes(t *testing.T) {
	data := []byte("CODIGO;DESCRICAO;UNIDADE;PRECO ONERADO;PRECO DESONERADO\n" +
		"T1;Escavação;m3;12,50;10,20\n")

	res, err := Parse(data, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, res.Format)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Items, 2)

	byID := map[string]model.PriceReference{}
	for _, it := range res.Items {
		byID[it.ID] = it
	}
	onerado, ok := byID["sinapi:T1:DF:2024-01:O"]
	require.True(t, ok)
	assert.Equal(t, "12.5", onerado.UnitPrice.String())
	assert.Equal(t, "Escavação", onerado.Description)
	assert.Equal(t, "m3", onerado.Unit)

	desonerado, ok := byID["sinapi:T1:DF:2024-01:D"]
	require.True(t, ok)
	assert.Equal(t, "10.2", desonerado.UnitPrice.String())
	assert.Equal(t, "12.5", desonerado.BurdenedPrice.String())
}

func TestParse_CSVHeaderAfterTitleRowsAndRowErrors(t *testing.T) {
	data := []byte("SINAPI - Preços de Insumos\n" +
		"Mês de referência: 01/2024\n" +
		"\n" +
		"Código do Insumo,Descrição do Insumo,Unidade,Preço Mediano (R$)\n" +
		"00001,\"CIMENTO PORTLAND\",KG,\"0,75\"\n" +
		",SEM CODIGO,UN,\"1,00\"\n" +
		"00003,SEM PRECO,UN,\n" +
		"00004,PRECO RUIM,UN,abc\n" +
		"00005,AREIA,M3,\"1,234.56\"\n")

	res, err := Parse(data, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 4, res.HeaderRow)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "0.75", res.Items[0].UnitPrice.String())
	assert.Equal(t, model.RegimeBurdened, res.Items[0].TaxRegime)
	assert.Equal(t, "1234.56", res.Items[1].UnitPrice.String())

	require.Len(t, res.Errors, 3)
	assert.Equal(t, 6, res.Errors[0].Row)
	assert.Equal(t, "código ausente", res.Errors[0].Message)
	assert.Equal(t, "nenhum preço informado", res.Errors[1].Message)
	assert.Contains(t, res.Errors[2].Message, "preço")
}

func TestParse_SinglePriceHonoursRegimeOption(t *testing.T) {
	data := []byte("CODIGO\tDESCRICAO\tCUSTO\nX9\tBRITA 1\t55,00\n")
	opts := defaultOpts()
	opts.TaxRegime = model.RegimeUnburdened
	opts.ItemType = model.ItemComposition

	res, err := Parse(data, opts)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "sinapi:X9:DF:2024-01:D", res.Items[0].ID)
	assert.Equal(t, model.ItemComposition, res.Items[0].ItemType)
}

func TestParse_Latin1CSV(t *testing.T) {
	// "DESCRIÇÃO" and "Escavação" encoded as ISO-8859-1
	data := []byte("CODIGO;DESCRI\xc7\xc3O;PRECO\nT1;Escava\xe7\xe3o;1,00\n")
	res, err := Parse(data, defaultOpts())
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Escavação", res.Items[0].Description)
}

func TestParse_NoHeader(t *testing.T) {
	_, err := Parse([]byte("a;b;c\n1;2;3\n"), defaultOpts())
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = Parse([]byte("   "), defaultOpts())
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestParse_XLSXWithBreakdown(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Relatório de Composições"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"Código", "Descrição", "Unidade", "Custo Onerado", "Custo Desonerado", "Mão de Obra", "Material", "Classe"}))
	require.NoError(t, f.SetSheetRow(sheet, "A4", &[]interface{}{"87292", "ARGAMASSA TRAÇO 1:2:8", "M3", "500,00", "480,00", "120,50", "300,00", "ARGAMASSAS"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	opts := defaultOpts()
	opts.ItemType = model.ItemComposition
	res, err := Parse(buf.Bytes(), opts)
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, res.Format)
	require.Len(t, res.Items, 2)

	it := res.Items[0]
	assert.Equal(t, "sinapi:87292:DF:2024-01:O", it.ID)
	assert.Equal(t, "ARGAMASSAS", it.Category)
	require.NotNil(t, it.LaborCost)
	assert.Equal(t, "120.5", it.LaborCost.String())
	require.NotNil(t, it.MaterialCost)
	assert.Nil(t, it.EquipmentCost)
}

func TestParse_XLSXNumericCellsIgnoreFormat(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Código", "Descrição", "Unidade", "Preço Onerado", "Preço Desonerado"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"00001", "CIMENTO PORTLAND", "KG", 1.234, 1234.5}))
	style, err := f.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	require.NoError(t, err)
	require.NoError(t, f.SetCellStyle(sheet, "D2", "E2", style))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	res, err := Parse(buf.Bytes(), defaultOpts())
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "00001", res.Items[0].Code)
	assert.Equal(t, "1.234", res.Items[0].BurdenedPrice.String())
	assert.Equal(t, "1234.5", res.Items[0].UnburdenedPrice.String())
}

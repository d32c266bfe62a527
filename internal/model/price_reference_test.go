package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceID_RoundTrip(t *testing.T) {
	id := ReferenceID("SINAPI", " 88316 ", "df", "2024-01", RegimeUnburdened)
	assert.Equal(t, "sinapi:88316:DF:2024-01:D", id)

	src, code, region, month, regime, err := ParseReferenceID(id)
	require.NoError(t, err)
	assert.Equal(t, "sinapi", src)
	assert.Equal(t, "88316", code)
	assert.Equal(t, "DF", region)
	assert.Equal(t, "2024-01", month)
	assert.Equal(t, RegimeUnburdened, regime)
}

func TestParseReferenceID_Invalid(t *testing.T) {
	_, _, _, _, _, err := ParseReferenceID("sinapi:88316:DF")
	assert.Error(t, err)

	_, _, _, _, _, err = ParseReferenceID("sinapi:88316:DF:2024-01:X")
	assert.Error(t, err)
}

func TestSelectRegime_KeepsBothPrices(t *testing.T) {
	p := NewPriceReference("sinapi", "T1", "DF", "2024-01", RegimeBurdened,
		decimal.RequireFromString("12.50"), decimal.RequireFromString("10.20"))
	assert.True(t, p.UnitPrice.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, "sinapi:T1:DF:2024-01:O", p.ID)

	u := p.SelectRegime(RegimeUnburdened)
	assert.True(t, u.UnitPrice.Equal(decimal.RequireFromString("10.20")))
	assert.True(t, u.BurdenedPrice.Equal(p.BurdenedPrice))
	assert.Equal(t, "sinapi:T1:DF:2024-01:D", u.ID)

	// original untouched
	assert.Equal(t, RegimeBurdened, p.TaxRegime)
}

func TestParseTaxRegime(t *testing.T) {
	for in, want := range map[string]TaxRegime{
		"onerado": RegimeBurdened, "O": RegimeBurdened, "burdened": RegimeBurdened,
		"Desonerado": RegimeUnburdened, "d": RegimeUnburdened,
	} {
		got, ok := ParseTaxRegime(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseTaxRegime("misto")
	assert.False(t, ok)
}

package repository

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refprice/internal/dto"
	"refprice/internal/model"
)

func TestMemoryStore_LoadOverwrites(t *testing.T) {
	m := NewMemoryStore()
	m.Load([]model.PriceReference{ref("sinapi", "T1", "X", "DF", "2024-01", model.RegimeBurdened, "1", "1")})
	m.Load([]model.PriceReference{ref("sinapi", "T1", "X", "DF", "2024-01", model.RegimeBurdened, "2", "2")})

	got, ok := m.Get("sinapi:T1:DF:2024-01:O")
	require.True(t, ok)
	assert.True(t, got.UnitPrice.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 1, m.Len("sinapi"))
}

func TestMemoryStore_SearchMatchesPersistentRanking(t *testing.T) {
	m := NewMemoryStore()
	m.Load(seedRefs())

	refs, total := m.Search("sinapi", dto.SearchFilters{Query: "cimento", TaxRegime: "burdened"})
	assert.EqualValues(t, 2, total)
	require.Len(t, refs, 2)
	assert.Equal(t, "00001", refs[0].Code)
	assert.Equal(t, "10001", refs[1].Code)

	refs, _ = m.Search("sinapi", dto.SearchFilters{Query: "00001"})
	require.NotEmpty(t, refs)
	assert.Equal(t, float64(100), refs[0].Relevance)
}

func TestMemoryStore_SearchFiltersAndPaging(t *testing.T) {
	m := NewMemoryStore()
	m.Load(seedRefs())

	max := decimal.NewFromInt(1)
	refs, total := m.Search("sinapi", dto.SearchFilters{MaxPrice: &max})
	assert.EqualValues(t, 2, total)
	for _, r := range refs {
		assert.Equal(t, "00001", r.Code)
	}

	refs, total = m.Search("sinapi", dto.SearchFilters{Page: 5, PageSize: 10})
	assert.EqualValues(t, 4, total)
	assert.Empty(t, refs)

	refs, _ = m.Search("sicro", dto.SearchFilters{Region: "df"})
	require.Len(t, refs, 1)
	assert.Equal(t, "sicro", refs[0].Source)
}

func TestMemoryStore_SearchHugePage(t *testing.T) {
	m := NewMemoryStore()
	m.Load(seedRefs())

	var (
		refs  []model.PriceReference
		total int64
	)
	assert.NotPanics(t, func() {
		refs, total = m.Search("sinapi", dto.SearchFilters{Page: 1 << 62, PageSize: 100})
	})
	assert.EqualValues(t, 4, total)
	assert.Empty(t, refs)
}

func TestSearchFilters_NormalizeCapsPage(t *testing.T) {
	f := dto.SearchFilters{Page: 1 << 62, PageSize: 1000}.Normalize()
	assert.Equal(t, dto.MaxPage, f.Page)
	assert.Equal(t, dto.MaxPageSize, f.PageSize)
	assert.Positive(t, f.Offset())
}

func TestMemoryStore_Clear(t *testing.T) {
	m := NewMemoryStore()
	m.Load(seedRefs())
	assert.Equal(t, 4, m.Clear("sinapi"))
	assert.Equal(t, 0, m.Len("sinapi"))
	assert.Equal(t, 1, m.Len("sicro"))
}

func TestScore(t *testing.T) {
	r := model.PriceReference{Code: "00001", Description: "CIMENTO PORTLAND"}
	assert.Equal(t, float64(100), Score("00001", r))
	assert.Equal(t, float64(50), Score("000", r))
	assert.Equal(t, float64(20), Score("cimento portland", r))
	assert.Equal(t, float64(0), Score("", r))
}

package dto

import (
	"math"
	"strings"
	"time"

	"refprice/internal/model"

	"github.com/shopspring/decimal"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxPage keeps (page-1)*page_size inside int32.
	MaxPage = math.MaxInt32 / MaxPageSize
)

// ─── Filter / Pagination ─────────────────────────────────────────────────────

// SearchFilters is the query surface for reference price search.
type SearchFilters struct {
	Query          string           `form:"q"               json:"query,omitempty"`
	Region         string           `form:"region"          json:"region,omitempty"          validate:"omitempty,len=2,alpha"`
	ReferenceMonth string           `form:"reference_month" json:"reference_month,omitempty" validate:"omitempty,datetime=2006-01"`
	ItemType       string           `form:"item_type"       json:"item_type,omitempty"       validate:"omitempty,oneof=input composition"`
	Category       string           `form:"category"        json:"category,omitempty"`
	TransportMode  string           `form:"transport_mode"  json:"transport_mode,omitempty"`
	TaxRegime      string           `form:"tax_regime"      json:"tax_regime,omitempty"      validate:"omitempty,oneof=burdened unburdened onerado desonerado"`
	MinPrice       *decimal.Decimal `form:"min_price"       json:"min_price,omitempty"`
	MaxPrice       *decimal.Decimal `form:"max_price"       json:"max_price,omitempty"`
	Page           int              `form:"page,default=1"      json:"page"      validate:"min=1,max=21474836"`
	PageSize       int              `form:"page_size,default=20" json:"page_size" validate:"min=1,max=100"`
}

// Normalize canonicalizes casing and clamps pagination so that every caller,
// not only HTTP, observes 1 <= page <= MaxPage and 1 <= page_size <= 100.
func (f SearchFilters) Normalize() SearchFilters {
	f.Query = strings.Join(strings.Fields(f.Query), " ")
	f.Region = strings.ToUpper(strings.TrimSpace(f.Region))
	f.ReferenceMonth = strings.TrimSpace(f.ReferenceMonth)
	f.ItemType = strings.ToLower(strings.TrimSpace(f.ItemType))
	f.Category = strings.TrimSpace(f.Category)
	f.TransportMode = strings.ToLower(strings.TrimSpace(f.TransportMode))
	if r, ok := model.ParseTaxRegime(f.TaxRegime); ok {
		f.TaxRegime = string(r)
	} else {
		f.TaxRegime = ""
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Offset is the zero-based index of the first row of the page.
func (f SearchFilters) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// ─── Response DTOs ───────────────────────────────────────────────────────────

// SearchResponse is returned by GET /v1/references/:source/search.
type SearchResponse struct {
	Data       []model.PriceReference `json:"data"`
	Total      int64                  `json:"total"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"page_size"`
	Source     string                 `json:"source"`
	Cached     bool                   `json:"cached"`
	IsFallback bool                   `json:"is_fallback"`
	Timestamp  time.Time              `json:"timestamp"`
}

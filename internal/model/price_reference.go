package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TaxRegime distinguishes the burdened (onerado) and unburdened (desonerado)
// price variants published for every reference.
type TaxRegime string

const (
	RegimeBurdened   TaxRegime = "burdened"
	RegimeUnburdened TaxRegime = "unburdened"
)

// Flag is the single-letter rendering used inside canonical ids.
func (r TaxRegime) Flag() string {
	if r == RegimeUnburdened {
		return "D"
	}
	return "O"
}

// Valid reports whether r is one of the known regimes.
func (r TaxRegime) Valid() bool {
	return r == RegimeBurdened || r == RegimeUnburdened
}

// ParseTaxRegime accepts the English names, the Portuguese names and the id flags.
func ParseTaxRegime(s string) (TaxRegime, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "burdened", "onerado", "o":
		return RegimeBurdened, true
	case "unburdened", "desonerado", "d":
		return RegimeUnburdened, true
	}
	return "", false
}

// ItemType: "input" (insumo) | "composition" (composição)
type ItemType string

const (
	ItemInput       ItemType = "input"
	ItemComposition ItemType = "composition"
)

// PriceReference is the canonical unit of reference pricing data.
// Rows are immutable: a new fetch or ingestion replaces, never patches.
// Both regime prices are kept so the regime can be switched without a refetch.
type PriceReference struct {
	// ID is the rendered composite identity (see ReferenceID).
	ID             string    `gorm:"primaryKey;type:varchar(200)" json:"id"`
	Source         string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_price_ref_identity,priority:1" json:"source"`
	Code           string    `gorm:"type:varchar(40);not null;uniqueIndex:idx_price_ref_identity,priority:2" json:"code"`
	Region         string    `gorm:"type:varchar(4);not null;uniqueIndex:idx_price_ref_identity,priority:3;index" json:"region"`
	ReferenceMonth string    `gorm:"type:char(7);not null;uniqueIndex:idx_price_ref_identity,priority:4;index" json:"reference_month"`
	TaxRegime      TaxRegime `gorm:"type:varchar(12);not null;uniqueIndex:idx_price_ref_identity,priority:5" json:"tax_regime"`

	Description     string          `gorm:"not null" json:"description"`
	Unit            string          `gorm:"type:varchar(20)" json:"unit"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"unit_price"`
	BurdenedPrice   decimal.Decimal `gorm:"type:decimal(14,4)" json:"burdened_price"`
	UnburdenedPrice decimal.Decimal `gorm:"type:decimal(14,4)" json:"unburdened_price"`
	Category        string          `gorm:"type:varchar(120);index" json:"category,omitempty"`
	ItemType        ItemType        `gorm:"type:varchar(12);not null;default:'input'" json:"item_type"`
	TransportMode   string          `gorm:"type:varchar(20)" json:"transport_mode,omitempty"`

	// Optional cost breakdown (compositions only)
	LaborCost     *decimal.Decimal `gorm:"type:decimal(14,4)" json:"labor_cost,omitempty"`
	MaterialCost  *decimal.Decimal `gorm:"type:decimal(14,4)" json:"material_cost,omitempty"`
	EquipmentCost *decimal.Decimal `gorm:"type:decimal(14,4)" json:"equipment_cost,omitempty"`
	TransportCost *decimal.Decimal `gorm:"type:decimal(14,4)" json:"transport_cost,omitempty"`

	// Relevance is a search-time ranking score, never persisted.
	Relevance float64   `gorm:"-" json:"relevance,omitempty"`
	FetchedAt time.Time `gorm:"not null" json:"fetched_at"`
}

func (PriceReference) TableName() string { return "price_references" }

// ReferenceID renders the composite identity as
// <source>:<code>:<region>:<referenceMonth>:<flag>.
func ReferenceID(source, code, region, month string, regime TaxRegime) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		strings.ToLower(source), strings.TrimSpace(code), strings.ToUpper(region), month, regime.Flag())
}

// ParseReferenceID splits a canonical id back into its parts.
func ParseReferenceID(id string) (source, code, region, month string, regime TaxRegime, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 5 {
		return "", "", "", "", "", fmt.Errorf("invalid reference id %q", id)
	}
	r, ok := ParseTaxRegime(parts[4])
	if !ok {
		return "", "", "", "", "", fmt.Errorf("invalid tax regime flag in id %q", id)
	}
	return parts[0], parts[1], parts[2], parts[3], r, nil
}

// NewPriceReference builds a record for one regime out of the persisted
// price pair, keeping UnitPrice and ID consistent with the regime.
func NewPriceReference(source, code, region, month string, regime TaxRegime, burdened, unburdened decimal.Decimal) PriceReference {
	p := PriceReference{
		Source:          strings.ToLower(source),
		Code:            strings.TrimSpace(code),
		Region:          strings.ToUpper(region),
		ReferenceMonth:  month,
		BurdenedPrice:   burdened,
		UnburdenedPrice: unburdened,
		ItemType:        ItemInput,
		FetchedAt:       time.Now().UTC(),
	}
	return p.SelectRegime(regime)
}

// SelectRegime returns a copy with TaxRegime, UnitPrice and ID switched to regime.
func (p PriceReference) SelectRegime(regime TaxRegime) PriceReference {
	p.TaxRegime = regime
	if regime == RegimeUnburdened {
		p.UnitPrice = p.UnburdenedPrice
	} else {
		p.UnitPrice = p.BurdenedPrice
	}
	p.ID = ReferenceID(p.Source, p.Code, p.Region, p.ReferenceMonth, regime)
	return p
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"refprice/internal/dto"
	"refprice/internal/model"
)

var (
	// ErrNotFound is returned when a reference id is not persisted.
	ErrNotFound = errors.New("repository: reference not found")
	// ErrPersistence wraps every driver-level failure.
	ErrPersistence = errors.New("repository: persistence failure")
)

// ReferenceRepository is the persistent store adapter for price references.
// Services depend on this interface, not on the GORM implementation.
type ReferenceRepository interface {
	// InsertIgnore inserts refs in one statement, silently skipping rows whose
	// identity already exists. Returns the number of rows actually inserted.
	InsertIgnore(ctx context.Context, refs []model.PriceReference) (int64, error)
	Search(ctx context.Context, source string, f dto.SearchFilters) ([]model.PriceReference, int64, error)
	FindByID(ctx context.Context, id string) (*model.PriceReference, error)
	Count(ctx context.Context, source string) (int64, error)
	// DeleteSource is the explicit data reset; nothing else deletes rows.
	DeleteSource(ctx context.Context, source string) (int64, error)
	ListSource(ctx context.Context, source string, limit int) ([]model.PriceReference, error)
}

type referenceRepo struct{ db *gorm.DB }

func NewReferenceRepository(db *gorm.DB) ReferenceRepository { return &referenceRepo{db: db} }

func (r *referenceRepo) InsertIgnore(ctx context.Context, refs []model.PriceReference) (int64, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&refs)
	if res.Error != nil {
		return 0, fmt.Errorf("%w: insert batch: %v", ErrPersistence, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *referenceRepo) Search(ctx context.Context, source string, f dto.SearchFilters) ([]model.PriceReference, int64, error) {
	f = f.Normalize()
	var refs []model.PriceReference
	var total int64

	q := r.db.WithContext(ctx).Model(&model.PriceReference{}).Where("source = ?", strings.ToLower(source))

	for _, tok := range queryTokens(f.Query) {
		like := escapeLike(tok)
		q = q.Where(`(LOWER(description) LIKE ? ESCAPE '\' OR LOWER(code) LIKE ? ESCAPE '\')`, "%"+like+"%", like+"%")
	}
	if f.Region != "" {
		q = q.Where("region = ?", f.Region)
	}
	if f.ReferenceMonth != "" {
		q = q.Where("reference_month = ?", f.ReferenceMonth)
	}
	if f.ItemType != "" {
		q = q.Where("item_type = ?", f.ItemType)
	}
	if f.Category != "" {
		q = q.Where("LOWER(category) = ?", strings.ToLower(f.Category))
	}
	if f.TransportMode != "" {
		q = q.Where("LOWER(transport_mode) = ?", f.TransportMode)
	}
	if f.TaxRegime != "" {
		q = q.Where("tax_regime = ?", f.TaxRegime)
	}
	if f.MinPrice != nil {
		q = q.Where("unit_price >= ?", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		q = q.Where("unit_price <= ?", *f.MaxPrice)
	}

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("%w: count: %v", ErrPersistence, err)
	}
	if total == 0 {
		return []model.PriceReference{}, 0, nil
	}

	err := q.Order(relevanceOrder(f.Query)).Limit(f.PageSize).Offset(f.Offset()).Find(&refs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("%w: search: %v", ErrPersistence, err)
	}
	for i := range refs {
		refs[i].Relevance = Score(f.Query, refs[i])
	}
	return refs, total, nil
}

func (r *referenceRepo) FindByID(ctx context.Context, id string) (*model.PriceReference, error) {
	var ref model.PriceReference
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find %s: %v", ErrPersistence, id, err)
	}
	return &ref, nil
}

func (r *referenceRepo) Count(ctx context.Context, source string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.PriceReference{}).
		Where("source = ?", strings.ToLower(source)).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrPersistence, err)
	}
	return n, nil
}

func (r *referenceRepo) DeleteSource(ctx context.Context, source string) (int64, error) {
	res := r.db.WithContext(ctx).Where("source = ?", strings.ToLower(source)).Delete(&model.PriceReference{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: delete %s: %v", ErrPersistence, source, res.Error)
	}
	return res.RowsAffected, nil
}

// ListSource returns up to limit rows of a source, used to hydrate the
// in-memory tier at startup.
func (r *referenceRepo) ListSource(ctx context.Context, source string, limit int) ([]model.PriceReference, error) {
	var refs []model.PriceReference
	q := r.db.WithContext(ctx).Where("source = ?", strings.ToLower(source)).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrPersistence, source, err)
	}
	return refs, nil
}

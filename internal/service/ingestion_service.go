package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"refprice/internal/dto"
	"refprice/internal/model"
	"refprice/internal/repository"
	"refprice/internal/spreadsheet"
)

// InsertBatchSize bounds one insert-or-ignore statement.
const InsertBatchSize = 500

// ErrInvalidImport is returned when the identity options are incomplete.
var ErrInvalidImport = errors.New("importação inválida: região e mês de referência são obrigatórios")

// IngestionService loads spreadsheet exports into the in-memory and
// persistent tiers.
type IngestionService interface {
	// Ingest parses data, overwrites the in-memory tier and persists with
	// insert-or-ignore. Batch failures are counted, never fatal.
	Ingest(ctx context.Context, source string, data []byte, opts spreadsheet.ParseOptions) (*dto.ImportResponse, error)
	// LoadFromBuffer parses data into the in-memory tier only.
	LoadFromBuffer(ctx context.Context, source string, data []byte, opts spreadsheet.ParseOptions) (*dto.ImportResponse, error)
}

type ingestionService struct {
	coordinators Coordinators
	repo         repository.ReferenceRepository
}

// NewIngestionService wires ingestion; repo may be nil (memory-only mode).
func NewIngestionService(coordinators Coordinators, repo repository.ReferenceRepository) IngestionService {
	return &ingestionService{coordinators: coordinators, repo: repo}
}

func (s *ingestionService) Ingest(ctx context.Context, source string, data []byte, opts spreadsheet.ParseOptions) (*dto.ImportResponse, error) {
	return s.run(ctx, source, data, opts, s.repo != nil)
}

func (s *ingestionService) LoadFromBuffer(ctx context.Context, source string, data []byte, opts spreadsheet.ParseOptions) (*dto.ImportResponse, error) {
	return s.run(ctx, source, data, opts, false)
}

func (s *ingestionService) run(ctx context.Context, source string, data []byte, opts spreadsheet.ParseOptions, persist bool) (*dto.ImportResponse, error) {
	start := time.Now()
	co, err := s.coordinators.Get(source)
	if err != nil {
		return nil, err
	}
	opts.Source = co.Source()
	opts.Region = strings.ToUpper(strings.TrimSpace(opts.Region))
	opts.ReferenceMonth = strings.TrimSpace(opts.ReferenceMonth)
	if opts.Region == "" || opts.ReferenceMonth == "" {
		return nil, ErrInvalidImport
	}

	parsed, err := spreadsheet.Parse(data, opts)
	if err != nil {
		return nil, err
	}

	resp := &dto.ImportResponse{
		RunID:       uuid.NewString(),
		Source:      co.Source(),
		ItemsParsed: len(parsed.Items),
		Errors:      make([]dto.RowErrorItem, 0, len(parsed.Errors)),
	}
	for _, re := range parsed.Errors {
		resp.Errors = append(resp.Errors, dto.RowErrorItem{Row: re.Row, Message: re.Message})
	}

	resp.MemoryLoaded = co.Memory().Load(parsed.Items)

	if persist {
		for i := 0; i < len(parsed.Items); i += InsertBatchSize {
			end := i + InsertBatchSize
			if end > len(parsed.Items) {
				end = len(parsed.Items)
			}
			batch := parsed.Items[i:end]
			inserted, err := s.repo.InsertIgnore(ctx, batch)
			if err != nil {
				resp.FailedBatches++
				log.Error().Err(err).Str("run_id", resp.RunID).Int("batch_start", i).Int("batch_size", len(batch)).
					Msg("ingestion: batch failed, continuing")
				continue
			}
			resp.Inserted += inserted
			resp.SkippedDuplicates += int64(len(batch)) - inserted
		}
	}

	if resp.Inserted > 0 || (!persist && resp.MemoryLoaded > 0) {
		if n, err := co.InvalidateCache(ctx); err != nil {
			log.Warn().Err(err).Str("source", co.Source()).Msg("ingestion: cache invalidation failed")
		} else {
			log.Debug().Str("source", co.Source()).Int("keys", n).Msg("ingestion: cache invalidated")
		}
	}

	resp.DurationMs = time.Since(start).Milliseconds()
	log.Info().
		Str("run_id", resp.RunID).
		Str("source", resp.Source).
		Str("format", parsed.Format).
		Int("parsed", resp.ItemsParsed).
		Int64("inserted", resp.Inserted).
		Int64("skipped", resp.SkippedDuplicates).
		Int("failed_batches", resp.FailedBatches).
		Int("row_errors", len(resp.Errors)).
		Msg("ingestion: run complete")
	return resp, nil
}

// OptionsFromRequest maps the import form onto parser options.
func OptionsFromRequest(req dto.ImportRequest) (spreadsheet.ParseOptions, error) {
	opts := spreadsheet.ParseOptions{
		Region:         req.Region,
		ReferenceMonth: req.ReferenceMonth,
		TransportMode:  req.TransportMode,
	}
	if req.ItemType != "" {
		opts.ItemType = model.ItemType(req.ItemType)
	}
	if req.TaxRegime != "" {
		r, ok := model.ParseTaxRegime(req.TaxRegime)
		if !ok {
			return opts, fmt.Errorf("regime tributário inválido: %q", req.TaxRegime)
		}
		opts.TaxRegime = r
	}
	return opts, nil
}

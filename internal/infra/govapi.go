package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"refprice/internal/model"
)

// GovClientConfig configures a GovPriceClient.
type GovClientConfig struct {
	BaseURL     string
	APIKey      string
	Source      string
	Timeout     time.Duration // per request
	Retries     int           // extra attempts on 5xx / transport errors
	BaseBackoff time.Duration // first backoff, doubled each attempt
	MaxBackoff  time.Duration
}

// RemoteQuery is the filter set forwarded to the listing endpoints.
type RemoteQuery struct {
	Query    string
	Code     string
	Region   string
	Month    string
	Regime   model.TaxRegime
	Category string
	Page     int
	Limit    int
}

// RemotePage is one page of a listing endpoint, already mapped to canonical records.
type RemotePage struct {
	Items []model.PriceReference
	Total int64
}

// RegionInfo describes one UF published upstream.
type RegionInfo struct {
	Region      string `json:"uf"`
	Name        string `json:"nome"`
	LatestMonth string `json:"ultimo_mes"`
}

// UpstreamStatus is the version marker the sync flow compares against.
type UpstreamStatus struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	LatestMonth string `json:"ultimo_mes"`
}

// GovPriceClient talks to the public SINAPI pricing API. It is safe for
// concurrent use; the only shared mutable state is the RateLimitState.
type GovPriceClient struct {
	baseURL     string
	apiKey      string
	source      string
	httpClient  *http.Client
	retries     int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	limits      *RateLimitState
	now         func() time.Time
}

func NewGovPriceClient(cfg GovClientConfig) *GovPriceClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "sinapi"
	}
	return &GovPriceClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		source:      strings.ToLower(cfg.Source),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		retries:     cfg.Retries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		limits:      NewRateLimitState(),
		now:         time.Now,
	}
}

// RateLimits exposes the last quota reported by upstream.
func (c *GovPriceClient) RateLimits() *RateLimitState { return c.limits }

// Exhausted reports whether the known quota forbids a call right now.
func (c *GovPriceClient) Exhausted() bool { return c.limits.Exhausted(c.now()) }

// MaxCallDuration is the worst-case wall time of one logical call
// (every attempt timing out plus every backoff).
func (c *GovPriceClient) MaxCallDuration() time.Duration {
	total := c.httpClient.Timeout * time.Duration(c.retries+1)
	for attempt := 1; attempt <= c.retries; attempt++ {
		total += c.backoff(attempt)
	}
	return total
}

// ── Typed operations ─────────────────────────────────────────────────────────

// ListInputs searches materials (insumos).
func (c *GovPriceClient) ListInputs(ctx context.Context, q RemoteQuery) (*RemotePage, error) {
	return c.list(ctx, "/insumos", q, model.ItemInput)
}

// ListCompositions searches compositions (composições).
func (c *GovPriceClient) ListCompositions(ctx context.Context, q RemoteQuery) (*RemotePage, error) {
	return c.list(ctx, "/composicoes", q, model.ItemComposition)
}

// Search dispatches to the listing that matches itemType. An empty itemType
// searches inputs.
func (c *GovPriceClient) Search(ctx context.Context, itemType model.ItemType, q RemoteQuery) (*RemotePage, error) {
	if itemType == model.ItemComposition {
		return c.ListCompositions(ctx, q)
	}
	return c.ListInputs(ctx, q)
}

// GetComposition returns one composition with its cost breakdown, or nil when
// upstream does not know the code.
func (c *GovPriceClient) GetComposition(ctx context.Context, code, region, month string, regime model.TaxRegime) (*model.PriceReference, error) {
	params := url.Values{}
	setIf(params, "uf", strings.ToUpper(region))
	setIf(params, "mes", month)

	var item remoteItem
	err := c.get(ctx, "/composicoes/"+url.PathEscape(code), params, &item)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	ref := item.toReference(c.source, model.ItemComposition, region, month, regime)
	return &ref, nil
}

// PriceHistory returns the monthly series for one code in one region,
// oldest first as upstream reports it.
func (c *GovPriceClient) PriceHistory(ctx context.Context, code, region string, regime model.TaxRegime) ([]model.PriceReference, error) {
	params := url.Values{}
	setIf(params, "uf", strings.ToUpper(region))

	var body struct {
		Data []remoteItem `json:"data"`
	}
	err := c.get(ctx, "/historico/"+url.PathEscape(code), params, &body)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]model.PriceReference, 0, len(body.Data))
	for _, it := range body.Data {
		if it.Codigo == "" {
			it.Codigo = code
		}
		out = append(out, it.toReference(c.source, model.ItemInput, region, "", regime))
	}
	return out, nil
}

// ListRegions returns the UFs upstream publishes with their latest month.
func (c *GovPriceClient) ListRegions(ctx context.Context) ([]RegionInfo, error) {
	var body struct {
		Data []RegionInfo `json:"data"`
	}
	if err := c.get(ctx, "/estados", nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Status returns the upstream version marker.
func (c *GovPriceClient) Status(ctx context.Context) (*UpstreamStatus, error) {
	var st UpstreamStatus
	if err := c.getPath(ctx, c.baseURL+"/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetReference resolves a canonical id upstream: inputs first, then
// compositions. Returns nil when neither listing knows the code.
func (c *GovPriceClient) GetReference(ctx context.Context, id string) (*model.PriceReference, error) {
	_, code, region, month, regime, err := model.ParseReferenceID(id)
	if err != nil {
		return nil, err
	}
	q := RemoteQuery{Code: code, Region: region, Month: month, Regime: regime, Page: 1, Limit: 10}
	for _, list := range []func(context.Context, RemoteQuery) (*RemotePage, error){c.ListInputs, c.ListCompositions} {
		page, err := list(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			if strings.EqualFold(it.Code, code) {
				ref := it
				return &ref, nil
			}
		}
	}
	return nil, nil
}

// ── Transport ────────────────────────────────────────────────────────────────

// remoteItem is the upstream JSON shape of one priced item.
type remoteItem struct {
	Codigo          string           `json:"codigo"`
	Descricao       string           `json:"descricao"`
	Unidade         string           `json:"unidade"`
	PrecoOnerado    *decimal.Decimal `json:"preco_onerado"`
	PrecoDesonerado *decimal.Decimal `json:"preco_desonerado"`
	UF              string           `json:"uf"`
	MesReferencia   string           `json:"mes_referencia"`
	Classe          string           `json:"classe"`
	Tipo            string           `json:"tipo"`
	MaoDeObra       *decimal.Decimal `json:"mao_de_obra"`
	Material        *decimal.Decimal `json:"material"`
	Equipamento     *decimal.Decimal `json:"equipamento"`
	Transporte      *decimal.Decimal `json:"transporte"`
}

func (it remoteItem) toReference(source string, itemType model.ItemType, region, month string, regime model.TaxRegime) model.PriceReference {
	if it.UF != "" {
		region = it.UF
	}
	if it.MesReferencia != "" {
		month = it.MesReferencia
	}
	switch strings.ToLower(it.Tipo) {
	case "composicao", "composição", "composition":
		itemType = model.ItemComposition
	case "insumo", "input":
		itemType = model.ItemInput
	}

	burdened, unburdened := decimal.Zero, decimal.Zero
	switch {
	case it.PrecoOnerado != nil && it.PrecoDesonerado != nil:
		burdened, unburdened = *it.PrecoOnerado, *it.PrecoDesonerado
	case it.PrecoOnerado != nil:
		burdened, unburdened = *it.PrecoOnerado, *it.PrecoOnerado
	case it.PrecoDesonerado != nil:
		burdened, unburdened = *it.PrecoDesonerado, *it.PrecoDesonerado
	}
	if !regime.Valid() {
		regime = model.RegimeBurdened
	}

	ref := model.NewPriceReference(source, it.Codigo, region, month, regime, burdened, unburdened)
	ref.Description = strings.TrimSpace(it.Descricao)
	ref.Unit = strings.TrimSpace(it.Unidade)
	ref.Category = strings.TrimSpace(it.Classe)
	ref.ItemType = itemType
	ref.LaborCost = it.MaoDeObra
	ref.MaterialCost = it.Material
	ref.EquipmentCost = it.Equipamento
	ref.TransportCost = it.Transporte
	return ref
}

func (c *GovPriceClient) list(ctx context.Context, resource string, q RemoteQuery, itemType model.ItemType) (*RemotePage, error) {
	params := url.Values{}
	setIf(params, "q", q.Query)
	setIf(params, "codigo", q.Code)
	setIf(params, "uf", strings.ToUpper(q.Region))
	setIf(params, "mes", q.Month)
	setIf(params, "classe", q.Category)
	if q.Regime.Valid() {
		params.Set("regime", strings.ToLower(string(q.Regime)))
	}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var body struct {
		Data  []remoteItem `json:"data"`
		Total int64        `json:"total"`
	}
	if err := c.get(ctx, resource, params, &body); err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return &RemotePage{}, nil
		}
		return nil, err
	}

	page := &RemotePage{Items: make([]model.PriceReference, 0, len(body.Data)), Total: body.Total}
	for _, it := range body.Data {
		if strings.TrimSpace(it.Codigo) == "" {
			continue
		}
		page.Items = append(page.Items, it.toReference(c.source, itemType, q.Region, q.Month, q.Regime))
	}
	if page.Total < int64(len(page.Items)) {
		page.Total = int64(len(page.Items))
	}
	return page, nil
}

// get issues a GET under the source prefix (e.g. /sinapi/insumos).
func (c *GovPriceClient) get(ctx context.Context, path string, params url.Values, out any) error {
	return c.getPath(ctx, c.baseURL+"/"+c.source+path, params, out)
}

// getPath runs the retry loop. 5xx and transport errors are retried with
// exponential backoff; every other status returns immediately.
func (c *GovPriceClient) getPath(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.limits.Exhausted(c.now()) {
		return ErrRateLimitExhausted
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			log.Debug().Str("endpoint", endpoint).Int("attempt", attempt).Dur("backoff", wait).Err(lastErr).Msg("govapi: retrying")
			select {
			case <-ctx.Done():
				return &TransportError{Err: ctx.Err()}
			case <-time.After(wait):
			}
		}

		retry, err := c.do(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			return err
		}
	}
	log.Warn().Str("endpoint", endpoint).Int("attempts", c.retries+1).Err(lastErr).Msg("govapi: retries exhausted")
	return lastErr
}

// do performs one attempt. retry reports whether the failure is transient.
func (c *GovPriceClient) do(ctx context.Context, endpoint string, out any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, &TransportError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	c.limits.Update(resp.Header)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, &AuthError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return false, &NotFoundError{Path: req.URL.Path}
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get(HeaderRetryAfter), c.now())}
	case resp.StatusCode >= 500:
		return true, &ServerError{Status: resp.StatusCode, Body: readSnippet(resp.Body)}
	default:
		return false, &TransportError{Status: resp.StatusCode, Err: errors.New(readSnippet(resp.Body))}
	}
}

func (c *GovPriceClient) backoff(attempt int) time.Duration {
	d := c.baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	if d > c.maxBackoff {
		return c.maxBackoff
	}
	return d
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}

func setIf(v url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		v.Set(key, value)
	}
}

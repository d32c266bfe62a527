package infra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refprice/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*GovPriceClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewGovPriceClient(GovClientConfig{
		BaseURL:     srv.URL,
		APIKey:      "secret-key",
		Source:      "sinapi",
		Timeout:     2 * time.Second,
		Retries:     2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
	})
	return c, srv
}

func TestListInputs_MapsCanonicalRecords(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sinapi/insumos", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "cimento", r.URL.Query().Get("q"))
		assert.Equal(t, "DF", r.URL.Query().Get("uf"))
		w.Header().Set(HeaderRateLimit, "100")
		w.Header().Set(HeaderRateRemaining, "99")
		w.Header().Set(HeaderRateMonthlyLimit, "10000")
		w.Header().Set(HeaderRateMonthlyRemaining, "9000")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"codigo":"00001","descricao":"CIMENTO PORTLAND","unidade":"KG",
			"preco_onerado":12.5,"preco_desonerado":10.2,"uf":"DF","mes_referencia":"2024-01","classe":"AGLOMERANTES"}],"total":1}`))
	})

	page, err := c.ListInputs(context.Background(), RemoteQuery{Query: "cimento", Region: "df", Month: "2024-01", Regime: model.RegimeUnburdened})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	ref := page.Items[0]
	assert.Equal(t, "sinapi:00001:DF:2024-01:D", ref.ID)
	assert.Equal(t, "10.2", ref.UnitPrice.String())
	assert.Equal(t, "12.5", ref.BurdenedPrice.String())
	assert.Equal(t, model.ItemInput, ref.ItemType)
	assert.Equal(t, "AGLOMERANTES", ref.Category)
	assert.EqualValues(t, 1, page.Total)

	snap := c.RateLimits().Snapshot()
	assert.Equal(t, 99, snap.Remaining)
	assert.Equal(t, 9000, snap.MonthlyRemaining)
}

func TestGetComposition_NotFoundIsNil(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ref, err := c.GetComposition(context.Background(), "99999", "DF", "2024-01", model.RegimeBurdened)
	assert.NoError(t, err)
	assert.Nil(t, ref)
}

func TestGetComposition_Breakdown(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sinapi/composicoes/87292", r.URL.Path)
		_, _ = w.Write([]byte(`{"codigo":"87292","descricao":"ARGAMASSA","unidade":"M3","tipo":"composicao",
			"preco_onerado":500,"preco_desonerado":480,"mao_de_obra":120.5,"material":300}`))
	})
	ref, err := c.GetComposition(context.Background(), "87292", "SP", "2024-02", model.RegimeBurdened)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, model.ItemComposition, ref.ItemType)
	assert.Equal(t, "sinapi:87292:SP:2024-02:O", ref.ID)
	require.NotNil(t, ref.LaborCost)
	assert.Equal(t, "120.5", ref.LaborCost.String())
	assert.Nil(t, ref.EquipmentCost)
}

func TestClient_AuthErrorNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.ListInputs(context.Background(), RemoteQuery{Query: "areia"})

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, 401, authErr.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.True(t, IsDemoting(err))
}

func TestClient_ServerErrorRetriedThenSurfaced(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.ListInputs(context.Background(), RemoteQuery{Query: "areia"})

	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, http.StatusBadGateway, serverErr.Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "one attempt plus two retries")
	assert.True(t, IsDemoting(err))
}

func TestClient_ServerErrorRecovers(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[],"total":0}`))
	})
	page, err := c.ListInputs(context.Background(), RemoteQuery{Query: "brita"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClient_RateLimitCarriesRetryAfter(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set(HeaderRetryAfter, "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.ListInputs(context.Background(), RemoteQuery{Query: "brita"})

	var rlErr *RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, 3*time.Second, rlErr.RetryAfter)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.False(t, IsDemoting(err))
}

func TestClient_BadRequestIsTransportWithoutRetry(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad uf"))
	})
	_, err := c.ListInputs(context.Background(), RemoteQuery{Region: "ZZ"})

	var trErr *TransportError
	require.True(t, errors.As(err, &trErr))
	assert.Equal(t, http.StatusBadRequest, trErr.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_ExhaustedQuotaShortCircuits(t *testing.T) {
	var calls int32
	reset := time.Now().Add(time.Hour).Unix()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set(HeaderRateLimit, "10")
		w.Header().Set(HeaderRateRemaining, "0")
		w.Header().Set(HeaderRateReset, strconv.FormatInt(reset, 10))
		_, _ = w.Write([]byte(`{"data":[],"total":0}`))
	})
	_, err := c.ListInputs(context.Background(), RemoteQuery{Query: "a"})
	require.NoError(t, err)
	assert.True(t, c.Exhausted())

	_, err = c.ListInputs(context.Background(), RemoteQuery{Query: "b"})
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_StatusAndRegions(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_, _ = w.Write([]byte(`{"status":"ok","version":"2024-01-r2","ultimo_mes":"2024-01"}`))
		case "/sinapi/estados":
			_, _ = w.Write([]byte(`{"data":[{"uf":"DF","nome":"Distrito Federal","ultimo_mes":"2024-01"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-r2", st.Version)

	regions, err := c.ListRegions(context.Background())
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, "DF", regions[0].Region)
}

func TestClient_GetReferenceFallsBackToCompositions(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "87292", r.URL.Query().Get("codigo"))
		if r.URL.Path == "/sinapi/insumos" {
			_, _ = w.Write([]byte(`{"data":[],"total":0}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"codigo":"87292","descricao":"ARGAMASSA","preco_onerado":500,"preco_desonerado":480}],"total":1}`))
	})
	ref, err := c.GetReference(context.Background(), "sinapi:87292:SP:2024-02:D")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "sinapi:87292:SP:2024-02:D", ref.ID)
	assert.Equal(t, "480", ref.UnitPrice.String())
	assert.Equal(t, model.ItemComposition, ref.ItemType)
}

func TestBackoff_CappedAtMax(t *testing.T) {
	c := NewGovPriceClient(GovClientConfig{BaseURL: "http://x", MaxBackoff: 8 * time.Second})
	assert.Equal(t, 500*time.Millisecond, c.backoff(1))
	assert.Equal(t, time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(4))
	assert.Equal(t, 8*time.Second, c.backoff(5))
	assert.Equal(t, 8*time.Second, c.backoff(9))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}

func TestPriceHistory_MapsMonthlySeries(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sinapi/historico/00001", r.URL.Path)
		assert.Equal(t, "DF", r.URL.Query().Get("uf"))
		_, _ = w.Write([]byte(`{"data":[
			{"descricao":"CIMENTO PORTLAND","unidade":"KG","preco_onerado":0.80,"preco_desonerado":0.75,"mes_referencia":"2023-12"},
			{"codigo":"00001","descricao":"CIMENTO PORTLAND","unidade":"KG","preco_onerado":0.85,"preco_desonerado":0.80,"mes_referencia":"2024-01"}]}`))
	})

	hist, err := c.PriceHistory(context.Background(), "00001", "df", model.RegimeUnburdened)
	require.NoError(t, err)
	require.Len(t, hist, 2)

	assert.Equal(t, "00001", hist[0].Code, "missing codigo falls back to the requested code")
	assert.Equal(t, "sinapi:00001:DF:2023-12:D", hist[0].ID)
	assert.Equal(t, "0.75", hist[0].UnitPrice.String())
	assert.Equal(t, model.ItemInput, hist[0].ItemType)
	assert.Equal(t, "2024-01", hist[1].ReferenceMonth)
	assert.Equal(t, "0.8", hist[1].UnitPrice.String())
}

func TestPriceHistory_NotFoundIsNil(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	hist, err := c.PriceHistory(context.Background(), "99999", "DF", model.RegimeBurdened)
	assert.NoError(t, err)
	assert.Nil(t, hist)
}

func TestPriceHistory_ServerErrorSurfaces(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.PriceHistory(context.Background(), "00001", "DF", model.RegimeBurdened)
	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
}

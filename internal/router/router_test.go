package router

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refprice/internal/config"
	"refprice/internal/dto"
	"refprice/internal/handler"
	"refprice/internal/middleware"
	"refprice/internal/model"
	"refprice/internal/service"
	"refprice/internal/worker"
)

func init() { gin.SetMode(gin.TestMode) }

const (
	adminSecret   = "admin-secret"
	webhookSecret = "hook-secret"
)

type stubSync struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubSync) Enqueue(_ context.Context, source, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, source+"/"+trigger)
	return nil
}

func (s *stubSync) RunDetached(source, trigger string) {
	_ = s.Enqueue(context.Background(), source, trigger)
}

type stubStates struct{}

func (stubStates) Snapshot(source string) worker.SyncState {
	return worker.SyncState{Source: source, Enabled: true, Status: worker.StatusIdle, LastKnownUpstreamVersion: "2024-01"}
}

type testServer struct {
	engine *gin.Engine
	co     *service.Coordinator
	sync   *stubSync
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithRedis(t, nil)
}

func newTestServerWithRedis(t *testing.T, rdb redis.UniversalClient) *testServer {
	t.Helper()
	settings := config.SourceSettings{
		Name:         config.SourceSINAPI,
		CachePrefix:  "gov:sinapi",
		SearchTTL:    time.Hour,
		FallbackTTL:  time.Minute,
		SearchBudget: 5 * time.Second,
	}
	co := service.NewCoordinator(settings, nil, nil, nil, nil)
	r := model.NewPriceReference("sinapi", "00001", "DF", "2024-01", model.RegimeBurdened,
		decimal.RequireFromString("0.75"), decimal.RequireFromString("0.70"))
	r.Description = "CIMENTO PORTLAND CP II"
	co.Memory().Load([]model.PriceReference{r})

	cs := service.Coordinators{config.SourceSINAPI: co}
	st := &stubSync{}
	cfg := &config.Config{
		Env:                  "test",
		AdminJWTSecret:       adminSecret,
		WebhookRatePerMinute: 3,
	}
	engine := New(cfg, Deps{
		Coordinators: cs,
		Ingestion:    service.NewIngestionService(cs, nil),
		Webhooks:     service.NewWebhookService(true, webhookSecret, cs, st),
		Sync:         st,
		SyncStates:   stubStates{},
		Redis:        rdb,
	})
	return &testServer{engine: engine, co: co, sync: st}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func adminRequest(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *http.Request {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	token, err := middleware.IssueToken(adminSecret, "ops", middleware.RoleAdmin, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestSearch(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/v1/references/sinapi/search?q=cimento&region=DF", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "sinapi:00001:DF:2024-01:O", resp.Data[0].ID)
	assert.Equal(t, "memory", resp.Source)
	assert.True(t, resp.IsFallback)
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, dto.DefaultPageSize, resp.PageSize)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestSearch_Validation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/v1/references/sinapi/search?region=DISTRITO", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/v1/references/sinapi/search?page_size=500", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/v1/references/sinapi/search?page=4611686018427387904", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/v1/references/sinapi/search?min_price=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/v1/references/orse/search?q=x", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetItem(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/v1/references/sinapi/items/sinapi:00001:DF:2024-01:O", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var ref model.PriceReference
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ref))
	assert.Equal(t, "0.75", ref.UnitPrice.String())

	w = s.do(httptest.NewRequest(http.MethodGet, "/v1/references/sinapi/items/sinapi:00001:DF:2024-01:O?tax_regime=desonerado", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ref))
	assert.Equal(t, "0.7", ref.UnitPrice.String())
	assert.Equal(t, "sinapi:00001:DF:2024-01:D", ref.ID)

	w = s.do(httptest.NewRequest(http.MethodGet, "/v1/references/sinapi/items/sinapi:99999:DF:2024-01:O", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/v1/references/sinapi/items/garbage", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func signedWebhook(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sinapi", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handler.SignatureHeader, "sha256="+hex.EncodeToString(service.Sign([]byte(webhookSecret), []byte(body))))
	return req
}

func TestWebhook(t *testing.T) {
	s := newTestServer(t)

	w := s.do(signedWebhook(`{"event":"updated","data":"2024-02"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.WebhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.Equal(t, "Sincronização agendada", resp.Message)
	assert.Equal(t, []string{"sinapi/webhook"}, s.sync.calls)

	bad := httptest.NewRequest(http.MethodPost, "/v1/webhooks/sinapi", strings.NewReader(`{"event":"updated"}`))
	bad.Header.Set(handler.SignatureHeader, "sha256=00")
	assert.Equal(t, http.StatusUnauthorized, s.do(bad).Code)

	assert.Equal(t, http.StatusBadRequest, s.do(signedWebhook(`{"data":"x"}`)).Code)
}

func TestWebhook_RateLimited(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, s.do(signedWebhook(`{"event":"maintenance"}`)).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, s.do(signedWebhook(`{"event":"maintenance"}`)).Code)
}

func TestAdmin_RequiresToken(t *testing.T) {
	s := newTestServer(t)
	w := s.do(httptest.NewRequest(http.MethodGet, "/v1/admin/sinapi/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_Import(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("region", "SP"))
	require.NoError(t, mw.WriteField("reference_month", "2024-02"))
	fw, err := mw.CreateFormFile("file", "SINAPI_SP_2024-02_insumos.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("CODIGO;DESCRICAO;UNIDADE;PRECO ONERADO;PRECO DESONERADO\nT1;Escavação;m3;12,50;10,20\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := s.do(adminRequest(t, http.MethodPost, "/v1/admin/sinapi/import", &body, mw.FormDataContentType()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.ImportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ItemsParsed)
	assert.Equal(t, 2, resp.MemoryLoaded)

	_, ok := s.co.Memory().Get("sinapi:T1:SP:2024-02:D")
	assert.True(t, ok)
}

func TestAdmin_ImportValidation(t *testing.T) {
	s := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("region", "SP"))
	require.NoError(t, mw.Close())

	w := s.do(adminRequest(t, http.MethodPost, "/v1/admin/sinapi/import", &body, mw.FormDataContentType()))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAdmin_SyncStatusResetDelete(t *testing.T) {
	s := newTestServer(t)

	w := s.do(adminRequest(t, http.MethodPost, "/v1/admin/sinapi/sync", nil, ""))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"sinapi/manual"}, s.sync.calls)

	w = s.do(adminRequest(t, http.MethodPost, "/v1/admin/sinapi/circuit/reset", nil, ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"closed"`)

	w = s.do(adminRequest(t, http.MethodGet, "/v1/admin/sinapi/status", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	var st handler.AdminStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "sinapi", st.Coordinator.Source)
	assert.Equal(t, 1, st.Coordinator.MemoryItems)
	assert.Equal(t, "2024-01", st.Sync.LastKnownUpstreamVersion)
	assert.Nil(t, st.DLQLength)

	w = s.do(adminRequest(t, http.MethodDelete, "/v1/admin/sinapi/references", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	var del dto.DeleteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &del))
	assert.Equal(t, int64(1), del.Deleted)
	assert.Zero(t, s.co.Memory().Len("sinapi"))
}

func TestAdmin_StatusListsRecentFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := newTestServerWithRedis(t, rdb)

	payload := json.RawMessage(`{"source":"sinapi","trigger":"webhook"}`)
	worker.SendToDLQ(context.Background(), rdb, worker.QueueSync, worker.JobTypeSync, payload, "status upstream: 503", 3)

	w := s.do(adminRequest(t, http.MethodGet, "/v1/admin/sinapi/status", nil, ""))
	require.Equal(t, http.StatusOK, w.Code)
	var st handler.AdminStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.NotNil(t, st.DLQLength)
	assert.Equal(t, int64(1), *st.DLQLength)
	require.Len(t, st.RecentFailures, 1)
	assert.Equal(t, worker.JobTypeSync, st.RecentFailures[0].JobType)
	assert.Equal(t, "status upstream: 503", st.RecentFailures[0].Reason)
	assert.Equal(t, 3, st.RecentFailures[0].Attempts)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"db":"disabled","redis":"disabled","circuits":{"sinapi":"closed"}}`, w.Body.String())
}

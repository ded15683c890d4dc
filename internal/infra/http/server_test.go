package http

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"imgate/internal/config"
	"imgate/internal/domain"
	"imgate/internal/infra/blob"
	"imgate/internal/infra/c2pa"
	"imgate/internal/infra/cipher"
	"imgate/internal/infra/memstore"
	"imgate/internal/infra/metrics"
	"imgate/internal/infra/ratelimit"
	"imgate/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	testPayer = "0x2222222222222222222222222222222222222222"
	testTx    = "0xabc0000000000000000000000000000000000000000000000000000000000001"
)

type stubDelivery struct {
	err error
}

func (s stubDelivery) Deliver(ctx context.Context, req domain.DeliverRequest) (*domain.Delivery, error) {
	return nil, s.err
}

type stubAccess struct {
	decision domain.AccessDecision
	err      error
	last     domain.AccessRequest
}

func (s *stubAccess) Check(ctx context.Context, req domain.AccessRequest) (domain.AccessDecision, error) {
	s.last = req
	return s.decision, s.err
}

func (s *stubAccess) Register(ctx context.Context, req domain.AccessRequest) (domain.AccessDecision, error) {
	s.last = req
	return s.decision, s.err
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 10))
	for x := 0; x < 16; x++ {
		img.Set(x, x%10, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type pipeline struct {
	server    *Server
	assets    *memstore.AssetStore
	purchases *memstore.PurchaseStore
	asset     domain.Asset
}

// newPipeline wires the real use cases over in-memory stores with one
// ingested asset.
func newPipeline(t *testing.T, cfg config.Config) *pipeline {
	t.Helper()
	gin.SetMode(gin.TestMode)
	assets := memstore.NewAssetStore()
	purchases := memstore.NewPurchaseStore()
	blobs := blob.NewMemory()

	ing := usecase.NewIngestor(assets, blobs, nil)
	asset, err := ing.Ingest(context.Background(), usecase.IngestRequest{
		Data:           testPNG(t),
		Filename:       "tide pools.png",
		Slug:           "tide-pools",
		CreatorAddress: "0x1111111111111111111111111111111111111111",
		Price:          decimal.RequireFromString("3.50"),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	rec, err := usecase.NewReconciler(assets, purchases, nil, nil, usecase.DefaultReconcilerConfig())
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	cred, err := c2pa.NewTestCredential(time.Now())
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	m := metrics.New()
	orch := usecase.NewOrchestrator(assets, rec, blobs, c2pa.NewSigner(cred),
		usecase.TermsTemplate{Scheme: "exact", Network: "base", Currency: "USDC"},
		usecase.WithOrchestratorMetrics(m))

	server := NewServer(cfg, ServerDeps{
		Access:    rec,
		Delivery:  orch,
		Purchases: purchases,
		Metrics:   m,
	})
	return &pipeline{server: server, assets: assets, purchases: purchases, asset: *asset}
}

func (p *pipeline) grant(t *testing.T) {
	t.Helper()
	err := p.purchases.Insert(context.Background(), domain.Purchase{
		AssetID:   p.asset.ID,
		Payer:     testPayer,
		TxRef:     testTx,
		GrantedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func (p *pipeline) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	p.server.r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestDownloadInfoMode(t *testing.T) {
	p := newPipeline(t, config.Default())
	p.grant(t)

	w := p.get("/v1/download?slug=tide-pools&payer=" + testPayer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out downloadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CiphertextLocator != p.asset.EncryptedLocator || out.Filename != "tide pools.png" {
		t.Fatalf("unexpected response: %+v", out)
	}
	key, err := cipher.DecodeKey(out.EncryptionKeyBase64)
	if err != nil || len(key) != cipher.KeySize {
		t.Fatalf("released key is unusable: %v", err)
	}
}

func TestDownloadDirectMode(t *testing.T) {
	p := newPipeline(t, config.Default())
	p.grant(t)

	w := p.get("/v1/download?assetId=" + p.asset.ID + "&payer=" + testPayer + "&mode=direct")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Provenance-Status"); got != string(domain.SignStatusSigned) {
		t.Fatalf("unexpected provenance status %q", got)
	}
	if got := w.Header().Get("Content-Disposition"); !strings.HasPrefix(got, "attachment") || !strings.Contains(got, "tide pools.png") {
		t.Fatalf("unexpected disposition %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("unexpected content type %q", got)
	}
	info := c2pa.ParseManifest(w.Body.Bytes())
	if !info.Present || !info.SignatureValid {
		t.Fatalf("delivered file lacks a valid manifest: %+v", info)
	}
}

func TestDownloadErrors(t *testing.T) {
	p := newPipeline(t, config.Default())

	cases := []struct {
		path   string
		status int
		code   string
	}{
		{"/v1/download?assetId=" + p.asset.ID + "&payer=" + testPayer, http.StatusForbidden, "FORBIDDEN"},
		{"/v1/download?assetId=missing&payer=" + testPayer, http.StatusNotFound, "NOT_FOUND"},
		{"/v1/download?assetId=" + p.asset.ID + "&payer=nobody", http.StatusBadRequest, "MALFORMED_INPUT"},
		{"/v1/download?assetId=" + p.asset.ID + "&payer=" + testPayer + "&mode=zip", http.StatusBadRequest, "MALFORMED_INPUT"},
	}
	for _, tc := range cases {
		w := p.get(tc.path)
		if w.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d: %s", tc.path, tc.status, w.Code, w.Body.String())
		}
		if got := decodeError(t, w).Code; got != tc.code {
			t.Fatalf("%s: expected code %s, got %s", tc.path, tc.code, got)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrIntegrity, http.StatusBadRequest, "INTEGRITY_ERROR"},
		{domain.ErrUpstreamUnavailable, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{errDatabase, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		server := NewServer(config.Default(), ServerDeps{Delivery: stubDelivery{err: tc.err}})
		w := httptest.NewRecorder()
		server.r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/download?assetId=a&payer="+testPayer, nil))
		if w.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, w.Code)
		}
		body := decodeError(t, w)
		if body.Code != tc.code {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.code, body.Code)
		}
		if tc.status == http.StatusInternalServerError && strings.Contains(body.Message, "connection reset") {
			t.Fatalf("internal error details must not leak: %q", body.Message)
		}
	}
}

var errDatabase = &dbError{}

type dbError struct{}

func (*dbError) Error() string { return "pq: connection reset by peer" }

func TestAccessEndpoint(t *testing.T) {
	p := newPipeline(t, config.Default())

	w := p.get("/v1/access?assetId=" + p.asset.ID + "&payer=" + testPayer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out accessResponse
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.HasAccess {
		t.Fatalf("payer without purchase must not have access")
	}

	w = p.get("/v1/access?assetId=" + p.asset.ID + "&payer=0x12")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("short payer should be rejected, got %d", w.Code)
	}

	p.grant(t)
	w = p.get("/v1/access?assetId=" + p.asset.ID + "&payer=" + testPayer)
	out = accessResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if !out.HasAccess || out.ExpiresAt == nil || out.TxRef != testTx || out.Path != domain.AccessPathLocal {
		t.Fatalf("unexpected access response: %+v", out)
	}
}

func TestRegisterPurchase(t *testing.T) {
	gin.SetMode(gin.TestMode)
	access := &stubAccess{decision: domain.AccessDecision{Granted: false, Path: domain.AccessPathDenied}}
	server := NewServer(config.Default(), ServerDeps{Access: access})

	body := `{"assetId":"a1","payer":"` + testPayer + `","txHash":"` + testTx + `"}`
	w := httptest.NewRecorder()
	server.r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/purchases", strings.NewReader(body)))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if decodeError(t, w).Code != "PAYMENT_NOT_VERIFIED" {
		t.Fatalf("unexpected error code")
	}
	if access.last.TxRef != testTx || access.last.AssetID != "a1" {
		t.Fatalf("request not forwarded: %+v", access.last)
	}

	expires := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	access.decision = domain.AccessDecision{
		Granted:  true,
		Path:     domain.AccessPathReceipt,
		Purchase: &domain.Purchase{TxRef: testTx, ExpiresAt: expires},
	}
	w = httptest.NewRecorder()
	server.r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/purchases", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out registerResponse
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if !out.Success || !out.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected response: %+v", out)
	}

	w = httptest.NewRecorder()
	server.r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/purchases", strings.NewReader("{")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", w.Code)
	}
}

func TestListPurchases(t *testing.T) {
	p := newPipeline(t, config.Default())
	p.grant(t)

	w := p.get("/v1/purchases?payer=" + strings.ToUpper(testPayer))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Purchases []domain.Purchase `json:"purchases"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if len(out.Purchases) != 1 || out.Purchases[0].AssetID != p.asset.ID {
		t.Fatalf("unexpected purchases: %+v", out.Purchases)
	}
	if w := p.get("/v1/purchases"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without payer, got %d", w.Code)
	}
}

func TestParseManifest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := NewServer(config.Default(), ServerDeps{})
	plain := testPNG(t)

	w := httptest.NewRecorder()
	server.r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/manifest/parse", bytes.NewReader(plain)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var info domain.ManifestInfo
	_ = json.Unmarshal(w.Body.Bytes(), &info)
	if info.Present {
		t.Fatalf("plain image must report no manifest")
	}

	cred, err := c2pa.NewTestCredential(time.Now())
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	signed := c2pa.NewSigner(cred).Sign(plain, domain.PaymentTerms{Amount: decimal.NewFromInt(1)}, domain.CreatorInfo{}, c2pa.SignOptions{Title: "x.png"})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "x.png")
	_, _ = fw.Write(signed.Bytes)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/manifest/parse", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	server.r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	info = domain.ManifestInfo{}
	_ = json.Unmarshal(w.Body.Bytes(), &info)
	if !info.Present || info.Title != "x.png" || info.Signer == nil || !info.Signer.TestSigner {
		t.Fatalf("unexpected manifest info: %+v", info)
	}

	w = httptest.NewRecorder()
	server.r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/manifest/parse", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", w.Code)
	}
}

func TestRateLimitedDownloads(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimitRequests = 2
	cfg.RateLimitWindow = time.Minute
	p := newPipeline(t, cfg)
	p.server.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{})
	p.grant(t)

	path := "/v1/download?assetId=" + p.asset.ID + "&payer=" + testPayer
	for i := 0; i < 2; i++ {
		if w := p.get(path); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := p.get(path)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" || w.Header().Get("RateLimit-Limit") != "2" {
		t.Fatalf("missing rate limit headers: %v", w.Header())
	}
	other := p.get("/v1/download?assetId=" + p.asset.ID + "&payer=0x3333333333333333333333333333333333333333")
	if other.Code == http.StatusTooManyRequests {
		t.Fatalf("quota must be per payer")
	}
}

func TestUnreachableRedisFallsBackWithWarning(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimitRequests = 2
	cfg.RedisAddr = "127.0.0.1:1"
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	server := NewServer(cfg, ServerDeps{Logger: logger})
	if server.rateLimiter == nil {
		t.Fatal("expected an in-memory limiter")
	}
	if _, ok := server.rateLimiter.(*ratelimit.RedisLimiter); ok {
		t.Fatal("unreachable redis must not be used")
	}
	if !strings.Contains(logs.String(), `"level":"WARN"`) || !strings.Contains(logs.String(), "127.0.0.1:1") {
		t.Fatalf("expected a warning naming the redis address, got %q", logs.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	p := newPipeline(t, config.Default())
	if w := p.get("/healthz"); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	p.grant(t)
	p.get("/v1/download?assetId=" + p.asset.ID + "&payer=" + testPayer)
	w := p.get("/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "imgate_deliveries_total") {
		t.Fatalf("metrics output missing delivery counter")
	}
	if w := p.get("/nope"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown route: %d", w.Code)
	}
}

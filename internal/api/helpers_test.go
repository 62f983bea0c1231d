package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/localmart/commission-service/internal/app"
	"github.com/localmart/commission-service/internal/config"
	"github.com/localmart/commission-service/internal/fees"
	"github.com/localmart/commission-service/internal/metrics"
	"github.com/localmart/commission-service/internal/store"
	"github.com/localmart/commission-service/pkg/stripeclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testInternalKey   = "internal-secret"
	testWebhookSecret = "whsec_test"
	testKeyID         = "test-key"
	testAdminRole     = "admin"
)

type stubTransfers struct {
	mu    sync.Mutex
	calls []stripeclient.TransferRequest
}

func (s *stubTransfers) CreateTransfer(ctx context.Context, req stripeclient.TransferRequest) (*stripeclient.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return &stripeclient.Transfer{
		ID:            fmt.Sprintf("tr_%d", len(s.calls)),
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		Destination:   req.DestinationAccount,
		TransferGroup: req.TransferGroup,
		Created:       time.Now(),
	}, nil
}

func (s *stubTransfers) FindTransferByGroup(ctx context.Context, group string) (*stripeclient.Transfer, error) {
	return nil, stripeclient.ErrTransferNotFound
}

type apiEnv struct {
	t         *testing.T
	repo      *store.MemoryRepository
	router    *chi.Mux
	transfers *stubTransfers
	key       *rsa.PrivateKey
	jwksURL   string
}

type envOptions struct {
	limiter    RateLimiter
	promoLimit int
	noJWKS     bool
}

func newAPIEnv(t *testing.T) *apiEnv {
	return newAPIEnvWithOptions(t, envOptions{})
}

func newAPIEnvWithOptions(t *testing.T, opts envOptions) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemoryRepository()

	policy := app.CommissionPolicy{
		Shares: config.ShareSplit{
			SoleDirect: decimal.NewFromInt(100),
			Direct:     decimal.NewFromInt(70),
			Sub:        decimal.NewFromInt(10),
			Parent:     decimal.NewFromInt(20),
		},
		LinkAttributesUpline: true,
	}
	schedule, err := fees.NewSchedule(
		fees.ProcessorFee{FixedCents: 30, Percent: decimal.RequireFromString("2.9")},
		map[string]decimal.Decimal{"FREE": decimal.NewFromInt(10)},
		"FREE",
	)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	transfers := &stubTransfers{}

	resolver := app.NewAttributionResolver(repo, policy, logger)
	ledger := app.NewLedger(repo, policy, logger)
	services := Services{
		Affiliates: app.NewAffiliateService(repo, resolver, logger),
		Resolver:   resolver,
		Ingestor:   app.NewIngestor(repo, resolver, ledger, nil, m, logger),
		Ledger:     ledger,
		Payouts:    app.NewPayoutService(repo, transfers, app.PayoutConfig{TransferTimeout: time.Second}, m, logger),
		Promos:     app.NewPromoService(repo, policy, schedule),
		Reports:    app.NewReportService(repo),
		Exports:    app.NewExportService(repo),
	}
	handler := NewHandler(services, opts.limiter, HandlerOptions{
		PromoValidateLimit:  opts.promoLimit,
		StripeWebhookSecret: testWebhookSecret,
		ReconcileStaleAfter: 30 * time.Minute,
	}, logger)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cfg := RouterConfig{InternalAPIKey: testInternalKey, AdminRole: testAdminRole}
	if !opts.noJWKS {
		jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondWithJSON(w, http.StatusOK, map[string]interface{}{
				"keys": []map[string]string{{
					"kid": testKeyID,
					"kty": "RSA",
					"use": "sig",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				}},
			})
		}))
		t.Cleanup(jwks.Close)
		cfg.AdminJWKSURL = jwks.URL
	}

	return &apiEnv{
		t:         t,
		repo:      repo,
		router:    NewRouter(handler, cfg, m, registry),
		transfers: transfers,
		key:       key,
		jwksURL:   cfg.AdminJWKSURL,
	}
}

func (e *apiEnv) token(claims jwt.MapClaims) string {
	e.t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(e.key)
	require.NoError(e.t, err)
	return signed
}

func (e *apiEnv) adminToken() string {
	return e.token(jwt.MapClaims{"sub": "admin_1", "role": testAdminRole})
}

func (e *apiEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func newJSONRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *apiEnv) admin(method, target string, body interface{}) *httptest.ResponseRecorder {
	req := newJSONRequest(e.t, method, target, body)
	req.Header.Set("Authorization", "Bearer "+e.adminToken())
	return e.do(req)
}

func (e *apiEnv) internal(method, target string, body interface{}) *httptest.ResponseRecorder {
	req := newJSONRequest(e.t, method, target, body)
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	return e.do(req)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

// signStripePayload builds a Stripe-Signature header the way Stripe does.
func signStripePayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", at.Unix(), payload)))
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

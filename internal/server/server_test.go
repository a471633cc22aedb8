package server

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockid/trustledger/internal/config"
	"github.com/blockid/trustledger/internal/pda"
	"github.com/blockid/trustledger/internal/trustscore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                     "0",
		Env:                      "development",
		LogLevel:                 "error",
		LogFormat:                "text",
		Store:                    config.StoreMemory,
		ProgramID:                trustscore.DefaultProgramID,
		RecordLayout:             "owner",
		EnforceOwnership:         true,
		SignatureMaxAge:          trustscore.DefaultSignatureMaxAge,
		OracleRateLimitPerMinute: 100,
		RateLimitRPM:             1000,
	}
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

type signer struct {
	key  pda.PublicKey
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key, err := pda.PublicKeyFromBytes(pub)
	require.NoError(t, err)
	return signer{key: key, priv: priv}
}

func (sg signer) updateBody(t *testing.T, s *Server, oracle, wallet pda.PublicKey, score int) map[string]any {
	t.Helper()
	d, err := s.Ledger().DeriveAddress(oracle, wallet)
	require.NoError(t, err)
	req := trustscore.UpdateRequest{
		Oracle:   oracle,
		Wallet:   wallet,
		Score:    uint8(score),
		Risk:     trustscore.RiskForScore(uint8(score)),
		Address:  d.Address,
		IssuedAt: time.Now().Unix(),
	}
	req.Sign(sg.priv)
	return map[string]any{
		"oracle":    oracle.String(),
		"signer":    sg.key.String(),
		"wallet":    wallet.String(),
		"score":     score,
		"risk":      int(req.Risk),
		"address":   d.Address.String(),
		"issuedAt":  req.IssuedAt,
		"signature": base58.Encode(req.Signature),
	}
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "dev", resp.Version)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", nil).Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Run() has not been called
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready", nil).Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/ready", nil).Code)
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/v1/info",
		"GET:/v1/stream",
		"POST:/v1/trust-scores",
		"POST:/v1/trust-scores/batch",
		"GET:/v1/trust-scores/:oracle/:wallet",
		"HEAD:/v1/trust-scores/:oracle/:wallet",
		"GET:/v1/trust-scores/:oracle/:wallet/address",
		"GET:/v1/accounts/:address",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNew_RejectsCompactWithOwnership(t *testing.T) {
	cfg := testConfig()
	cfg.RecordLayout = "compact"

	_, err := New(cfg)
	assert.ErrorIs(t, err, trustscore.ErrOwnershipNeedsOwnerLayout)
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RecordLayout = "compact"
		c.EnforceOwnership = false
	})

	w := do(t, s, http.MethodGet, "/v1/info", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, trustscore.DefaultProgramID, resp["programId"])
	assert.Equal(t, "compact", resp["layout"])
	assert.Equal(t, false, resp["enforceOwnership"])
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health/live", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-1234")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "lb-1234", w.Header().Get("X-Request-ID"))
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestUpdateAndRead(t *testing.T) {
	s := newTestServer(t)
	o1 := newSigner(t)
	wallet := newSigner(t).key

	w := do(t, s, http.MethodPost, "/v1/trust-scores", o1.updateBody(t, s, o1.key, wallet, 72))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/trust-scores/"+o1.key.String()+"/"+wallet.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rec trustscore.RecordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, uint8(72), rec.Score)
	assert.Equal(t, o1.key.String(), rec.Oracle)
}

func TestForeignSignerRejectedWhenOwnershipEnforced(t *testing.T) {
	s := newTestServer(t)
	o1, o2 := newSigner(t), newSigner(t)
	wallet := newSigner(t).key

	require.Equal(t, http.StatusNoContent,
		do(t, s, http.MethodPost, "/v1/trust-scores", o1.updateBody(t, s, o1.key, wallet, 80)).Code)

	w := do(t, s, http.MethodPost, "/v1/trust-scores", o2.updateBody(t, s, o1.key, wallet, 5))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "UnauthorizedOracle"))

	rec, err := s.Ledger().Read(t.Context(), o1.key, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint8(80), rec.Score)
}

func TestResentUpdateRejected(t *testing.T) {
	s := newTestServer(t)
	o1 := newSigner(t)
	wallet := newSigner(t).key

	body := o1.updateBody(t, s, o1.key, wallet, 90)
	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/v1/trust-scores", body).Code)

	w := do(t, s, http.MethodPost, "/v1/trust-scores", body)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "signature already used")
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/nonexistent", nil).Code)
}

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://user:secret@db:5432/trust?sslmode=disable", "postgres://user:%2A%2A%2A@db:5432/trust?sslmode=disable"},
		{"redis://localhost:6379/0", "redis://localhost:6379/0"},
		{"redis://:pw@cache:6379", "redis://:%2A%2A%2A@cache:6379"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskDSN(tt.in))
	}
}

package trustscore

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockid/trustledger/internal/pda"
)

type denyLimiter struct{ keys []string }

func (d *denyLimiter) Allow(key string) bool {
	d.keys = append(d.keys, key)
	return false
}

func newTestRouter(t *testing.T, f *fixture, limiter RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(f.ledger, limiter).RegisterRoutes(r.Group("/v1"))
	return r
}

func updateBody(req UpdateRequest) map[string]any {
	body := map[string]any{
		"oracle":    req.Oracle.String(),
		"wallet":    req.Wallet.String(),
		"score":     int(req.Score),
		"risk":      int(req.Risk),
		"address":   req.Address.String(),
		"issuedAt":  req.IssuedAt,
		"signature": base58.Encode(req.Signature),
	}
	if req.Signer != req.Oracle {
		body["signer"] = req.Signer.String()
	}
	return body
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (string, int) {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error, resp.Code
}

func TestHandler_UpdateAndGet(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)
	o, w := newTestOracle(t), newWallet(t)

	req := o.request(t, o.key, w, 85, RiskLow, f.clock.Now())
	resp := doJSON(t, r, "POST", "/v1/trust-scores", updateBody(req))
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	resp = doJSON(t, r, "GET", "/v1/trust-scores/"+o.key.String()+"/"+w.String(), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var rec RecordResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rec))
	assert.Equal(t, req.Address.String(), rec.Address)
	assert.Equal(t, o.key.String(), rec.Oracle)
	assert.Equal(t, uint8(85), rec.Score)
	assert.Equal(t, "low", rec.RiskLevel)
	assert.Equal(t, "owner", rec.Layout)
	assert.Equal(t, f.clock.Now().Unix(), rec.LastUpdated)
}

func TestHandler_UpdateErrors(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)
	o, o2, w := newTestOracle(t), newTestOracle(t), newWallet(t)

	require.NoError(t, f.update(t, o, w, 50, RiskMedium))

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantError  string
		wantCode   int
	}{
		{
			name:       "score above 100",
			body:       updateBody(o.request(t, o.key, w, 101, RiskLow, f.clock.Now())),
			wantStatus: http.StatusBadRequest,
			wantError:  "InvalidTrustScore",
			wantCode:   6001,
		},
		{
			name:       "risk outside enum",
			body:       updateBody(o.request(t, o.key, w, 10, Risk(7), f.clock.Now())),
			wantStatus: http.StatusBadRequest,
			wantError:  "InvalidRisk",
			wantCode:   6002,
		},
		{
			name:       "other signer",
			body:       updateBody(o2.request(t, o.key, w, 10, RiskCritical, f.clock.Now())),
			wantStatus: http.StatusForbidden,
			wantError:  "UnauthorizedOracle",
			wantCode:   6003,
		},
		{
			name: "address of another pair",
			body: func() map[string]any {
				b := updateBody(o.request(t, o.key, w, 10, RiskCritical, f.clock.Now()))
				b["wallet"] = newWallet(t).String()
				return b
			}(),
			wantStatus: http.StatusBadRequest,
			wantError:  "InvalidWallet",
			wantCode:   6000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, r, "POST", "/v1/trust-scores", tt.body)
			require.Equal(t, tt.wantStatus, resp.Code, resp.Body.String())
			name, code := decodeError(t, resp)
			assert.Equal(t, tt.wantError, name)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestHandler_UpdateScoreAbove255(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)
	o, w := newTestOracle(t), newWallet(t)

	body := updateBody(o.request(t, o.key, w, 1, RiskLow, f.clock.Now()))
	body["score"] = 256
	resp := doJSON(t, r, "POST", "/v1/trust-scores", body)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "validation_failed")
}

func TestHandler_UpdateMalformed(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)

	resp := doJSON(t, r, "POST", "/v1/trust-scores", map[string]any{"oracle": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "invalid_request")

	o, w := newTestOracle(t), newWallet(t)
	body := updateBody(o.request(t, o.key, w, 1, RiskLow, f.clock.Now()))
	body["signature"] = "abc"
	resp = doJSON(t, r, "POST", "/v1/trust-scores", body)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "signature")
}

func TestHandler_UpdateRateLimitedPerSigner(t *testing.T) {
	f := newFixture(t)
	limiter := &denyLimiter{}
	r := newTestRouter(t, f, limiter)
	o, w := newTestOracle(t), newWallet(t)

	resp := doJSON(t, r, "POST", "/v1/trust-scores", updateBody(o.request(t, o.key, w, 1, RiskLow, f.clock.Now())))
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.Equal(t, []string{"oracle:" + o.key.String()}, limiter.keys)
	assert.Equal(t, 0, f.store.Len())
}

func TestHandler_GetNotFound(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)
	o, w := newTestOracle(t), newWallet(t)

	resp := doJSON(t, r, "GET", "/v1/trust-scores/"+o.key.String()+"/"+w.String(), nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
	name, code := decodeError(t, resp)
	assert.Equal(t, "NotFound", name)
	assert.Equal(t, 6005, code)

	resp = doJSON(t, r, "GET", "/v1/trust-scores/nope/"+w.String(), nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHandler_Probe(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)
	o, w := newTestOracle(t), newWallet(t)
	path := "/v1/trust-scores/" + o.key.String() + "/" + w.String()

	resp := doJSON(t, r, "HEAD", path, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Empty(t, resp.Body.String())

	require.NoError(t, f.update(t, o, w, 60, RiskMedium))
	resp = doJSON(t, r, "HEAD", path, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestHandler_Address(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)
	o, w := newTestOracle(t), newWallet(t)

	resp := doJSON(t, r, "GET", "/v1/trust-scores/"+o.key.String()+"/"+w.String()+"/address", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		ProgramID string `json:"programId"`
		Address   string `json:"address"`
		Bump      uint8  `json:"bump"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))

	d, err := pda.TrustScoreAddress(testProgramID, o.key, w)
	require.NoError(t, err)
	assert.Equal(t, DefaultProgramID, body.ProgramID)
	assert.Equal(t, d.Address.String(), body.Address)
	assert.Equal(t, d.Bump, body.Bump)
}

func TestHandler_ReadBatch(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)
	o := newTestOracle(t)
	scored, unscored := newWallet(t), newWallet(t)
	require.NoError(t, f.update(t, o, scored, 91, RiskLow))

	resp := doJSON(t, r, "POST", "/v1/trust-scores/batch", map[string]any{
		"oracle":  o.key.String(),
		"wallets": []string{scored.String(), unscored.String()},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var body struct {
		Count   int              `json:"count"`
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "scored", body.Results[0]["status"])
	assert.Equal(t, float64(91), body.Results[0]["score"])
	assert.Equal(t, scored.String(), body.Results[0]["wallet"])
	assert.Equal(t, map[string]any{"wallet": unscored.String(), "status": "not_scored"}, body.Results[1])
}

func TestHandler_ReadBatchMalformedWalletNotScored(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)
	o, scored := newTestOracle(t), newWallet(t)
	require.NoError(t, f.update(t, o, scored, 64, RiskMedium))

	resp := doJSON(t, r, "POST", "/v1/trust-scores/batch", map[string]any{
		"oracle":  o.key.String(),
		"wallets": []string{"not-a-key!", " " + scored.String() + " ", ""},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var body BatchResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 3, body.Count)
	assert.Equal(t, BatchEntry{Wallet: "not-a-key!", Status: "not_scored"}, body.Results[0])
	assert.Equal(t, "scored", body.Results[1].Status)
	assert.Equal(t, scored.String(), body.Results[1].Wallet)
	require.NotNil(t, body.Results[1].RecordResponse)
	assert.Equal(t, uint8(64), body.Results[1].Score)
	assert.Equal(t, BatchEntry{Wallet: "", Status: "not_scored"}, body.Results[2])
}

func TestHandler_ReadBatchEmpty(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)

	resp := doJSON(t, r, "POST", "/v1/trust-scores/batch", map[string]any{
		"oracle":  newWallet(t).String(),
		"wallets": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "at least 1")
}

func TestHandler_ReadBatchTooLarge(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)

	wallets := make([]string, MaxBatchSize+1)
	for i := range wallets {
		wallets[i] = newWallet(t).String()
	}
	resp := doJSON(t, r, "POST", "/v1/trust-scores/batch", map[string]any{
		"oracle":  newWallet(t).String(),
		"wallets": wallets,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "at most 100")
}

func TestHandler_Account(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(t, f, nil)
	o, w := newTestOracle(t), newWallet(t)
	require.NoError(t, f.update(t, o, w, 12, RiskCritical))

	d, err := f.ledger.DeriveAddress(o.key, w)
	require.NoError(t, err)

	resp := doJSON(t, r, "GET", "/v1/accounts/"+d.Address.String(), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body AccountResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, LayoutWithOwner.AccountSize(), body.Size)
	assert.Equal(t, AccountDiscriminator[:], []byte(body.DataHex[:8]))
	assert.True(t, strings.HasPrefix(resp.Body.String(), `{"address"`))
	require.NotNil(t, body.Record)
	assert.Equal(t, o.key.String(), body.Record.Oracle)
	assert.Equal(t, uint8(12), body.Record.Score)

	resp = doJSON(t, r, "GET", "/v1/accounts/"+newWallet(t).String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, StatusFor(ErrConflict))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(ErrCorruptAccount))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(ErrAddressDerivation))
	assert.Equal(t, http.StatusBadRequest, StatusFor(ErrRiskBandMismatch))
	assert.Equal(t, http.StatusBadRequest, StatusFor(ErrBatchTooLarge))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(assert.AnError))
}

package trustscore

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"

	"github.com/blockid/trustledger/internal/circuitbreaker"
	"github.com/blockid/trustledger/internal/logging"
	"github.com/blockid/trustledger/internal/metrics"
	"github.com/blockid/trustledger/internal/pda"
	"github.com/blockid/trustledger/internal/ratelimit"
	"github.com/blockid/trustledger/internal/validation"
)

// RateLimiter admits or rejects one request for key.
type RateLimiter interface {
	Allow(key string) bool
}

// Handler provides HTTP handlers for the trust score API.
type Handler struct {
	ledger  *Ledger
	limiter RateLimiter
}

// NewHandler creates a trust score handler. limiter caps updates per signer
// and may be nil.
func NewHandler(ledger *Ledger, limiter RateLimiter) *Handler {
	return &Handler{ledger: ledger, limiter: limiter}
}

// RegisterRoutes sets up the trust score routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trust-scores", h.Update)
	r.POST("/trust-scores/batch", h.ReadBatch)

	keyed := r.Group("/trust-scores/:oracle/:wallet", validation.KeyParamMiddleware("oracle", "wallet"))
	keyed.GET("", h.Get)
	keyed.HEAD("", h.Probe)
	keyed.GET("/address", h.Address)

	r.GET("/accounts/:address", validation.KeyParamMiddleware("address"), h.Account)
}

// UpdateBody is the JSON body of POST /v1/trust-scores. Keys and the
// signature are base58.
type UpdateBody struct {
	Oracle    string `json:"oracle" binding:"required"`
	Signer    string `json:"signer,omitempty"`
	Wallet    string `json:"wallet" binding:"required"`
	Score     *int   `json:"score" binding:"required"`
	Risk      *int   `json:"risk" binding:"required"`
	Address   string `json:"address" binding:"required"`
	IssuedAt  int64  `json:"issuedAt" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// RecordResponse is the JSON form of a stored record.
type RecordResponse struct {
	Address       string    `json:"address"`
	Oracle        string    `json:"oracle"`
	Wallet        string    `json:"wallet"`
	Score         uint8     `json:"score"`
	Risk          uint8     `json:"risk"`
	RiskLevel     string    `json:"riskLevel"`
	LastUpdated   int64     `json:"lastUpdated"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	Layout        string    `json:"layout"`
}

// NewRecordResponse renders rec. oracle is used when the layout does not
// store one.
func NewRecordResponse(addr, oracle pda.PublicKey, rec *Record) RecordResponse {
	if rec.Layout.HasOwner() {
		oracle = rec.Oracle
	}
	return RecordResponse{
		Address:       addr.String(),
		Oracle:        oracle.String(),
		Wallet:        rec.Wallet.String(),
		Score:         rec.Score,
		Risk:          uint8(rec.Risk),
		RiskLevel:     rec.Risk.String(),
		LastUpdated:   rec.LastUpdated,
		LastUpdatedAt: time.Unix(rec.LastUpdated, 0).UTC(),
		Layout:        rec.Layout.String(),
	}
}

// Update handles POST /v1/trust-scores
func (h *Handler) Update(c *gin.Context) {
	var body UpdateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidPublicKey("oracle", body.Oracle),
		validation.ValidPublicKey("signer", body.Signer),
		validation.ValidPublicKey("wallet", body.Wallet),
		validation.ValidPublicKey("address", body.Address),
		validation.ValidSignature("signature", body.Signature),
		validation.IntRange("score", *body.Score, 0, 255),
		validation.IntRange("risk", *body.Risk, 0, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req := UpdateRequest{
		Oracle:   pda.MustParsePublicKey(body.Oracle),
		Wallet:   pda.MustParsePublicKey(body.Wallet),
		Score:    uint8(*body.Score),
		Risk:     Risk(*body.Risk),
		Address:  pda.MustParsePublicKey(body.Address),
		IssuedAt: body.IssuedAt,
	}
	if body.Signer != "" {
		req.Signer = pda.MustParsePublicKey(body.Signer)
	}
	req.Signature, _ = base58.Decode(body.Signature)

	if h.limiter != nil && !h.limiter.Allow("oracle:"+req.Caller().String()) {
		metrics.RateLimitedTotal.Inc()
		ratelimit.Reject(c)
		return
	}

	if err := h.ledger.Update(c.Request.Context(), req); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Get handles GET /v1/trust-scores/:oracle/:wallet
func (h *Handler) Get(c *gin.Context) {
	oracle, wallet := keyParams(c)
	rec, err := h.ledger.Read(c.Request.Context(), oracle, wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	d, err := h.ledger.DeriveAddress(oracle, wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRecordResponse(d.Address, oracle, rec))
}

// Probe handles HEAD /v1/trust-scores/:oracle/:wallet. It reports existence
// through the status code only.
func (h *Handler) Probe(c *gin.Context) {
	oracle, wallet := keyParams(c)
	err := h.ledger.GetTrustScore(c.Request.Context(), oracle, wallet)
	if err != nil {
		c.Status(StatusFor(err))
		return
	}
	c.Status(http.StatusOK)
}

// AddressResponse is the derivation returned by the address endpoint.
type AddressResponse struct {
	ProgramID string `json:"programId"`
	Oracle    string `json:"oracle"`
	Wallet    string `json:"wallet"`
	Address   string `json:"address"`
	Bump      uint8  `json:"bump"`
}

// Address handles GET /v1/trust-scores/:oracle/:wallet/address
func (h *Handler) Address(c *gin.Context) {
	oracle, wallet := keyParams(c)
	d, err := h.ledger.DeriveAddress(oracle, wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AddressResponse{
		ProgramID: h.ledger.ProgramID().String(),
		Oracle:    oracle.String(),
		Wallet:    wallet.String(),
		Address:   d.Address.String(),
		Bump:      d.Bump,
	})
}

// BatchBody is the JSON body of POST /v1/trust-scores/batch.
type BatchBody struct {
	Oracle  string   `json:"oracle" binding:"required"`
	Wallets []string `json:"wallets" binding:"required"`
}

// BatchEntry is one wallet of a batch response. Record fields are omitted for
// wallets the oracle has not scored.
type BatchEntry struct {
	Wallet string `json:"wallet"`
	Status string `json:"status"`
	*RecordResponse
}

// BatchResponse is the body returned by the batch endpoint.
type BatchResponse struct {
	Oracle  string       `json:"oracle"`
	Results []BatchEntry `json:"results"`
	Count   int          `json:"count"`
}

// ReadBatch handles POST /v1/trust-scores/batch
func (h *Handler) ReadBatch(c *gin.Context) {
	var body BatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidPublicKey("oracle", body.Oracle),
		validation.MinItems("wallets", len(body.Wallets), 1),
		validation.MaxItems("wallets", len(body.Wallets), MaxBatchSize),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	// Malformed wallets have no record and are reported as not scored.
	oracle := pda.MustParsePublicKey(body.Oracle)
	entries := make([]BatchEntry, len(body.Wallets))
	wallets := make([]pda.PublicKey, 0, len(body.Wallets))
	index := make([]int, 0, len(body.Wallets))
	for i, raw := range body.Wallets {
		w := validation.SanitizeKey(raw)
		entries[i] = BatchEntry{Wallet: w, Status: "not_scored"}
		if key, err := pda.ParsePublicKey(w); err == nil {
			wallets = append(wallets, key)
			index = append(index, i)
		}
	}

	results, err := h.ledger.ReadBatch(c.Request.Context(), oracle, wallets)
	if err != nil {
		writeError(c, err)
		return
	}

	for j, res := range results {
		if res.Record == nil {
			continue
		}
		rr := NewRecordResponse(res.Address, oracle, res.Record)
		e := &entries[index[j]]
		e.Wallet = res.Wallet.String()
		e.Status = "scored"
		e.RecordResponse = &rr
	}
	c.JSON(http.StatusOK, BatchResponse{
		Oracle:  oracle.String(),
		Results: entries,
		Count:   len(entries),
	})
}

// AccountResponse is the raw account view returned by GET /v1/accounts/:address.
type AccountResponse struct {
	Address    string          `json:"address"`
	Size       int             `json:"size"`
	DataHex    hexutil.Bytes   `json:"dataHex"`
	DataBase64 string          `json:"dataBase64"`
	Record     *RecordResponse `json:"record,omitempty"`
}

// Account handles GET /v1/accounts/:address
func (h *Handler) Account(c *gin.Context) {
	addr := pda.MustParsePublicKey(c.Param("address"))
	data, err := h.ledger.FetchAccount(c.Request.Context(), addr)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := AccountResponse{
		Address:    addr.String(),
		Size:       len(data),
		DataHex:    data,
		DataBase64: base64.StdEncoding.EncodeToString(data),
	}
	if rec, err := DecodeRecord(data); err == nil {
		// Compact records carry no oracle; report the zero key.
		rr := NewRecordResponse(addr, pda.PublicKey{}, rec)
		resp.Record = &rr
	}
	c.JSON(http.StatusOK, resp)
}

func keyParams(c *gin.Context) (oracle, wallet pda.PublicKey) {
	return pda.MustParsePublicKey(c.Param("oracle")), pda.MustParsePublicKey(c.Param("wallet"))
}

// StatusFor maps a ledger error to its HTTP status.
func StatusFor(err error) int {
	e, ok := AsError(err)
	if !ok {
		switch {
		case errors.Is(err, ErrBatchTooLarge):
			return http.StatusBadRequest
		case errors.Is(err, circuitbreaker.ErrOpen):
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	switch e {
	case ErrInvalidWallet, ErrInvalidTrustScore, ErrInvalidRisk, ErrRiskBandMismatch:
		return http.StatusBadRequest
	case ErrUnauthorizedOracle:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	e, ok := AsError(err)
	if !ok {
		if status == http.StatusServiceUnavailable {
			c.Header("Retry-After", "30")
			c.JSON(status, gin.H{
				"error":   "store_unavailable",
				"code":    0,
				"message": "Storage backend is unavailable",
			})
			return
		}
		logging.L(c.Request.Context()).Error("trust score request failed", "error", err)
		c.JSON(status, gin.H{
			"error":   "internal_error",
			"code":    0,
			"message": "Internal error",
		})
		return
	}
	c.JSON(status, gin.H{
		"error":   e.Name,
		"code":    e.Code,
		"message": e.Message,
		"detail":  err.Error(),
	})
}

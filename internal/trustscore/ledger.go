// Package trustscore implements the trust score ledger: one fixed-layout
// record per (oracle, wallet) pair, stored at an address derived from the
// pair, written by the oracle that owns it and readable by anyone.
package trustscore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/blockid/trustledger/internal/logging"
	"github.com/blockid/trustledger/internal/metrics"
	"github.com/blockid/trustledger/internal/pda"
	"github.com/blockid/trustledger/internal/traces"
)

const (
	// DefaultProgramID namespaces derived addresses.
	DefaultProgramID = "55iMY3uHQadPv4PXwqF1uYWdyie3wqKCwJHs97eWPE6B"

	// DefaultSignatureMaxAge bounds how old a signed update may be.
	DefaultSignatureMaxAge = 5 * time.Minute

	// MaxBatchSize caps ReadBatch.
	MaxBatchSize = 100

	batchConcurrency = 16
)

var (
	ErrOwnershipNeedsOwnerLayout = errors.New("ownership enforcement requires the owner record layout")
	ErrBatchTooLarge             = fmt.Errorf("batch exceeds %d wallets", MaxBatchSize)
)

// UpdateEvent describes a committed update.
type UpdateEvent struct {
	Address pda.PublicKey `json:"address"`
	Oracle  pda.PublicKey `json:"oracle"`
	Signer  pda.PublicKey `json:"signer"`
	Created bool          `json:"created"`
	Record  *Record       `json:"record"`
}

// Ledger validates and applies trust score updates. It holds no record state
// of its own; every call derives the address and goes to the Store.
type Ledger struct {
	programID        pda.PublicKey
	store            Store
	layout           Layout
	enforceOwnership bool
	enforceRiskBand  bool
	authorized       map[pda.PublicKey]struct{}
	maxAge           time.Duration
	now              func() time.Time
	logger           *slog.Logger
	notify           func(context.Context, UpdateEvent)
	replay           ReplayGuard
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLayout selects the record layout for newly created accounts.
func WithLayout(layout Layout) Option {
	return func(l *Ledger) { l.layout = layout }
}

// WithOwnershipCheck toggles the stored-owner check on updates. When off, any
// valid signer may overwrite a record whose address it knows.
func WithOwnershipCheck(enabled bool) Option {
	return func(l *Ledger) { l.enforceOwnership = enabled }
}

// WithRiskBandCheck requires risk to equal RiskForScore(score).
func WithRiskBandCheck(enabled bool) Option {
	return func(l *Ledger) { l.enforceRiskBand = enabled }
}

// WithAuthorizedOracles restricts signers to the given keys. An empty list
// accepts any signer with a valid signature.
func WithAuthorizedOracles(keys ...pda.PublicKey) Option {
	return func(l *Ledger) {
		l.authorized = make(map[pda.PublicKey]struct{}, len(keys))
		for _, k := range keys {
			l.authorized[k] = struct{}{}
		}
	}
}

// WithSignatureMaxAge sets how far IssuedAt may drift from the clock. Zero
// disables the freshness check.
func WithSignatureMaxAge(d time.Duration) Option {
	return func(l *Ledger) { l.maxAge = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithReplayGuard sets where committed signatures are remembered. The default
// is a MemoryReplayGuard on the ledger clock.
func WithReplayGuard(g ReplayGuard) Option {
	return func(l *Ledger) { l.replay = g }
}

// WithNotifier registers a callback run after every committed update.
func WithNotifier(fn func(context.Context, UpdateEvent)) Option {
	return func(l *Ledger) { l.notify = fn }
}

// NewLedger creates a ledger over store. Ownership is enforced and the owner
// layout is used unless overridden.
func NewLedger(programID pda.PublicKey, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		programID:        programID,
		store:            store,
		layout:           LayoutWithOwner,
		enforceOwnership: true,
		maxAge:           DefaultSignatureMaxAge,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.enforceOwnership && !l.layout.HasOwner() {
		return nil, ErrOwnershipNeedsOwnerLayout
	}
	if l.replay == nil {
		l.replay = NewMemoryReplayGuard(l.now)
	}
	return l, nil
}

func (l *Ledger) ProgramID() pda.PublicKey { return l.programID }

func (l *Ledger) Layout() Layout { return l.layout }

func (l *Ledger) EnforcesOwnership() bool { return l.enforceOwnership }

// DeriveAddress returns the record address and bump for (oracle, wallet).
func (l *Ledger) DeriveAddress(oracle, wallet pda.PublicKey) (pda.Derivation, error) {
	return l.derive(oracle, wallet)
}

// Update validates req and upserts the record. On any error the stored
// account is unchanged.
func (l *Ledger) Update(ctx context.Context, req UpdateRequest) error {
	ctx, span := traces.StartSpan(ctx, "trustscore.Update",
		traces.Oracle(req.Oracle.String()),
		traces.Wallet(req.Wallet.String()),
		traces.Score(req.Score),
	)
	defer span.End()

	log := logging.LOr(ctx, l.logger).With(
		"oracle", req.Oracle.String(),
		"wallet", req.Wallet.String(),
		"address", req.Address.String(),
	)

	if _, err := l.validate(&req); err != nil {
		l.rejected(ctx, log, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		return err
	}

	var (
		rec      *Record
		created  bool
		reserved bool
	)
	err := l.store.Upsert(ctx, req.Address, func(current []byte) ([]byte, error) {
		var err error
		rec, created, err = l.apply(current, &req)
		if err != nil {
			return nil, err
		}
		if !reserved {
			if err := l.reserveSignature(ctx, &req); err != nil {
				return nil, err
			}
			reserved = true
		}
		return rec.Encode(), nil
	})
	if err != nil {
		if reserved {
			if rerr := l.replay.Release(context.WithoutCancel(ctx), req.Signature); rerr != nil {
				log.Error("failed to release update signature", "error", rerr)
			}
		}
		l.rejected(ctx, log, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return err
	}

	result := "updated"
	if created {
		result = "created"
	}
	metrics.UpdatesTotal.WithLabelValues(result, "").Inc()
	log.Info("trust score "+result, "score", rec.Score, "risk", rec.Risk.String(), "last_updated", rec.LastUpdated)

	if l.notify != nil {
		l.notify(ctx, UpdateEvent{Address: req.Address, Oracle: req.Oracle, Signer: req.Caller(), Created: created, Record: rec})
	}
	return nil
}

// apply computes the next record from the current account bytes. It runs
// inside the store's atomic section, so the ownership check sees the state
// the write will replace.
func (l *Ledger) apply(current []byte, req *UpdateRequest) (*Record, bool, error) {
	now := l.now().Unix()

	if current == nil {
		if err := l.checkOwner(nil, req); err != nil {
			return nil, false, err
		}
		return &Record{
			Wallet:      req.Wallet,
			Score:       req.Score,
			Risk:        req.Risk,
			LastUpdated: now,
			Oracle:      req.Oracle,
			Layout:      l.layout,
		}, true, nil
	}

	prev, err := DecodeRecord(current)
	if err != nil {
		return nil, false, err
	}
	if l.enforceOwnership && !prev.Layout.HasOwner() {
		return nil, false, fmt.Errorf("%w: stored record has no owner field", ErrCorruptAccount)
	}
	if err := l.checkOwner(prev, req); err != nil {
		return nil, false, err
	}

	next := *prev
	next.Wallet = req.Wallet
	next.Score = req.Score
	next.Risk = req.Risk
	if now <= prev.LastUpdated {
		now = prev.LastUpdated + 1
	}
	next.LastUpdated = now
	return &next, false, nil
}

func (l *Ledger) rejected(ctx context.Context, log *slog.Logger, err error) {
	code := ""
	if e, ok := AsError(err); ok {
		code = e.Name
	}
	metrics.UpdatesTotal.WithLabelValues("rejected", code).Inc()
	if code == "" {
		log.Error("trust score update failed", "error", err)
		return
	}
	log.Warn("trust score update rejected", "code", code, "error", err)
}

// GetTrustScore succeeds when a record exists for (oracle, wallet) and fails
// with ErrNotFound otherwise. It returns no data; use Read for the record.
func (l *Ledger) GetTrustScore(ctx context.Context, oracle, wallet pda.PublicKey) error {
	_, err := l.Read(ctx, oracle, wallet)
	return err
}

// Read returns the record for (oracle, wallet). No caller checks apply.
func (l *Ledger) Read(ctx context.Context, oracle, wallet pda.PublicKey) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "trustscore.Read",
		traces.Oracle(oracle.String()),
		traces.Wallet(wallet.String()),
	)
	defer span.End()

	d, err := l.derive(oracle, wallet)
	if err != nil {
		metrics.ReadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	span.SetAttributes(traces.Address(d.Address.String()))

	rec, err := l.readAt(ctx, d.Address)
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.ReadsTotal.WithLabelValues("not_found").Inc()
	case err != nil:
		metrics.ReadsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
	default:
		metrics.ReadsTotal.WithLabelValues("found").Inc()
	}
	return rec, err
}

func (l *Ledger) readAt(ctx context.Context, addr pda.PublicKey) (*Record, error) {
	data, err := l.store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data)
}

// BatchResult is one entry of ReadBatch. Record is nil when the wallet has
// not been scored by the oracle.
type BatchResult struct {
	Wallet  pda.PublicKey
	Address pda.PublicKey
	Record  *Record
}

// ReadBatch reads up to MaxBatchSize wallets under one oracle. Missing
// records are reported with a nil Record; any other failure aborts the batch.
func (l *Ledger) ReadBatch(ctx context.Context, oracle pda.PublicKey, wallets []pda.PublicKey) ([]BatchResult, error) {
	if len(wallets) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	ctx, span := traces.StartSpan(ctx, "trustscore.ReadBatch", traces.Oracle(oracle.String()))
	defer span.End()

	results := make([]BatchResult, len(wallets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, wallet := range wallets {
		g.Go(func() error {
			d, err := l.derive(oracle, wallet)
			if err != nil {
				return err
			}
			results[i] = BatchResult{Wallet: wallet, Address: d.Address}

			rec, err := l.readAt(gctx, d.Address)
			if errors.Is(err, ErrNotFound) {
				metrics.ReadsTotal.WithLabelValues("not_found").Inc()
				return nil
			}
			if err != nil {
				metrics.ReadsTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("wallet %s: %w", wallet, err)
			}
			metrics.ReadsTotal.WithLabelValues("found").Inc()
			results[i].Record = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return results, nil
}

// FetchAccount returns the raw stored bytes at addr, the way an off-ledger
// reader would fetch an account directly.
func (l *Ledger) FetchAccount(ctx context.Context, addr pda.PublicKey) ([]byte, error) {
	ctx, span := traces.StartSpan(ctx, "trustscore.FetchAccount", traces.Address(addr.String()))
	defer span.End()
	return l.store.Get(ctx, addr)
}

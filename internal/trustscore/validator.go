package trustscore

import (
	"context"
	"fmt"
	"time"

	"github.com/blockid/trustledger/internal/metrics"
	"github.com/blockid/trustledger/internal/pda"
)

// validate runs the argument and identity checks of an update, in order,
// before the store is touched. The ownership check needs the stored record
// and runs later, inside the store's atomic section (see checkOwner).
func (l *Ledger) validate(req *UpdateRequest) (pda.Derivation, error) {
	d, err := l.derive(req.Oracle, req.Wallet)
	if err != nil {
		return d, err
	}
	if d.Address != req.Address {
		return d, fmt.Errorf("%w: expected %s, got %s", ErrInvalidWallet, d.Address, req.Address)
	}

	if req.Score > MaxScore {
		return d, fmt.Errorf("%w: got %d", ErrInvalidTrustScore, req.Score)
	}
	if !req.Risk.Valid() {
		return d, fmt.Errorf("%w: got %d", ErrInvalidRisk, uint8(req.Risk))
	}
	if l.enforceRiskBand {
		if want := RiskForScore(req.Score); want != req.Risk {
			return d, fmt.Errorf("%w: score %d is %s, got %s", ErrRiskBandMismatch, req.Score, want, req.Risk)
		}
	}

	if err := l.authorize(req); err != nil {
		return d, err
	}
	return d, nil
}

// authorize checks the caller's signature, freshness and allowlist membership.
func (l *Ledger) authorize(req *UpdateRequest) error {
	caller := req.Caller()
	if len(l.authorized) > 0 {
		if _, ok := l.authorized[caller]; !ok {
			return fmt.Errorf("%w: %s is not an authorized oracle", ErrUnauthorizedOracle, caller)
		}
	}
	if !req.VerifySignature() {
		return fmt.Errorf("%w: invalid signature", ErrUnauthorizedOracle)
	}
	if l.maxAge > 0 {
		age := l.now().Sub(time.Unix(req.IssuedAt, 0))
		if age > l.maxAge || age < -l.maxAge {
			return fmt.Errorf("%w: message issued %s ago, limit %s", ErrUnauthorizedOracle, age.Round(time.Second), l.maxAge)
		}
	}
	return nil
}

// reserveSignature claims req's signature for as long as the request would
// pass the freshness check. A signature that is already held is a replay.
func (l *Ledger) reserveSignature(ctx context.Context, req *UpdateRequest) error {
	expires := l.now().Add(UnboundedReplayRetention)
	if l.maxAge > 0 {
		expires = time.Unix(req.IssuedAt, 0).Add(l.maxAge + time.Second)
	}
	ok, err := l.replay.Reserve(ctx, req.Signature, expires)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: signature already used", ErrUnauthorizedOracle)
	}
	return nil
}

// checkOwner enforces that only the record's oracle may write it. prev is nil
// when the record does not exist yet.
func (l *Ledger) checkOwner(prev *Record, req *UpdateRequest) error {
	if !l.enforceOwnership {
		return nil
	}
	caller := req.Caller()
	if prev == nil {
		if caller != req.Oracle {
			return fmt.Errorf("%w: %s cannot create a record owned by %s", ErrUnauthorizedOracle, caller, req.Oracle)
		}
		return nil
	}
	if prev.Oracle != caller {
		return fmt.Errorf("%w: record is owned by %s", ErrUnauthorizedOracle, prev.Oracle)
	}
	return nil
}

func (l *Ledger) derive(oracle, wallet pda.PublicKey) (pda.Derivation, error) {
	d, err := pda.TrustScoreAddress(l.programID, oracle, wallet)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrAddressDerivation, err)
	}
	metrics.DerivationAttempts.Observe(float64(d.Attempts()))
	return d, nil
}

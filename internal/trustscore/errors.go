package trustscore

import (
	"errors"
	"fmt"
)

// Error is a ledger failure with a stable numeric code. Sentinels below are
// compared with errors.Is; wrapping with fmt.Errorf("%w") keeps the code.
type Error struct {
	Code    int    `json:"code"`
	Name    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
}

var (
	ErrInvalidWallet = &Error{Code: 6000, Name: "InvalidWallet",
		Message: "supplied address does not match the address derived from oracle and wallet"}
	ErrInvalidTrustScore = &Error{Code: 6001, Name: "InvalidTrustScore",
		Message: "trust score must be between 0 and 100"}
	ErrInvalidRisk = &Error{Code: 6002, Name: "InvalidRisk",
		Message: "risk must be 0 (low), 1 (medium), 2 (high) or 3 (critical)"}
	ErrUnauthorizedOracle = &Error{Code: 6003, Name: "UnauthorizedOracle",
		Message: "caller is not the oracle authority for this record"}
	ErrRiskBandMismatch = &Error{Code: 6004, Name: "RiskBandMismatch",
		Message: "risk does not match the band implied by the trust score"}
	ErrNotFound = &Error{Code: 6005, Name: "NotFound",
		Message: "no trust score record exists at this address"}
	ErrAddressDerivation = &Error{Code: 6006, Name: "AddressDerivation",
		Message: "could not derive a trust score address"}
	ErrConflict = &Error{Code: 6007, Name: "Conflict",
		Message: "record was modified concurrently; retry the update"}
	ErrCorruptAccount = &Error{Code: 6008, Name: "CorruptAccount",
		Message: "stored account data does not decode as a trust score record"}
)

// AsError returns the coded ledger error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var byCode = map[int]*Error{}

func init() {
	for _, e := range []*Error{
		ErrInvalidWallet, ErrInvalidTrustScore, ErrInvalidRisk, ErrUnauthorizedOracle,
		ErrRiskBandMismatch, ErrNotFound, ErrAddressDerivation, ErrConflict, ErrCorruptAccount,
	} {
		byCode[e.Code] = e
	}
}

// ErrorForCode returns the sentinel with the given code.
func ErrorForCode(code int) (*Error, bool) {
	e, ok := byCode[code]
	return e, ok
}

// Package pda derives deterministic program addresses for trust score records.
//
// An address is the SHA-256 of the seeds, a one-byte bump, the program id and
// the "ProgramDerivedAddress" marker. The bump is searched from 255 downwards
// until the digest does not decode as an ed25519 point, so no private key can
// ever sign for the derived address. Anyone holding the same seeds and program
// id reproduces the same address without any other state.
package pda

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PublicKeySize is the width of every identity handled by the ledger.
const PublicKeySize = 32

var ErrInvalidPublicKey = errors.New("invalid public key")

// PublicKey is a 32-byte identity (oracle, wallet, program or derived address).
// Its text form is base58.
type PublicKey [PublicKeySize]byte

// ParsePublicKey decodes a base58 string into a PublicKey.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	if s == "" {
		return k, fmt.Errorf("%w: empty", ErrInvalidPublicKey)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != PublicKeySize {
		return k, fmt.Errorf("%w: decoded to %d bytes, want %d", ErrInvalidPublicKey, len(raw), PublicKeySize)
	}
	copy(k[:], raw)
	return k, nil
}

// MustParsePublicKey is ParsePublicKey for constants; it panics on bad input.
func MustParsePublicKey(s string) PublicKey {
	k, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != PublicKeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(b), PublicKeySize)
	}
	copy(k[:], b)
	return k, nil
}

func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

// Bytes returns a copy of the key bytes.
func (k PublicKey) Bytes() []byte {
	b := make([]byte, PublicKeySize)
	copy(b, k[:])
	return b
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// IsOnCurve reports whether k decodes as an ed25519 point, i.e. whether a
// private key could exist for it.
func (k PublicKey) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(k[:])
	return err == nil
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

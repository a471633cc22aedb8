package pda

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
)

const (
	// MaxSeeds bounds the number of seeds, bump included.
	MaxSeeds = 16
	// MaxSeedLen bounds the length of a single seed.
	MaxSeedLen = 32

	// TrustScoreSeed is the namespace tag prefixed to every trust score address.
	TrustScoreSeed = "trust_score"
)

var derivedAddressMarker = []byte("ProgramDerivedAddress")

var (
	ErrMaxSeedLength = errors.New("seed count or length exceeds limit")
	ErrOnCurve       = errors.New("derived address lies on the ed25519 curve")
	ErrNoViableBump  = errors.New("no bump produced an off-curve address")
)

// Derivation is the result of a bump search.
type Derivation struct {
	Address PublicKey `json:"address"`
	Bump    uint8     `json:"bump"`
}

// Attempts is the number of candidate bumps that were hashed to find d.
func (d Derivation) Attempts() int {
	return math.MaxUint8 - int(d.Bump) + 1
}

// CreateProgramAddress hashes seeds (which must already include the bump) with
// programID. It fails with ErrOnCurve when the digest is a valid curve point.
func CreateProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, error) {
	var addr PublicKey
	if len(seeds) > MaxSeeds {
		return addr, fmt.Errorf("%w: %d seeds", ErrMaxSeedLength, len(seeds))
	}

	h := sha256.New()
	for i, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return addr, fmt.Errorf("%w: seed %d is %d bytes", ErrMaxSeedLength, i, len(seed))
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(derivedAddressMarker)
	copy(addr[:], h.Sum(nil))

	if addr.IsOnCurve() {
		return PublicKey{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bumps 255..0 and returns the first off-curve
// address for seeds under programID.
func FindProgramAddress(seeds [][]byte, programID PublicKey) (Derivation, error) {
	if len(seeds) >= MaxSeeds {
		return Derivation{}, fmt.Errorf("%w: %d seeds leaves no room for the bump", ErrMaxSeedLength, len(seeds))
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	bump := []byte{0}
	withBump[len(seeds)] = bump

	for b := math.MaxUint8; b >= 0; b-- {
		bump[0] = uint8(b)
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return Derivation{Address: addr, Bump: uint8(b)}, nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Derivation{}, err
		}
	}
	return Derivation{}, ErrNoViableBump
}

// TrustScoreSeeds returns the seed list for the (oracle, wallet) record.
func TrustScoreSeeds(oracle, wallet PublicKey) [][]byte {
	return [][]byte{[]byte(TrustScoreSeed), oracle[:], wallet[:]}
}

// TrustScoreAddress derives the record address for (oracle, wallet).
func TrustScoreAddress(programID, oracle, wallet PublicKey) (Derivation, error) {
	return FindProgramAddress(TrustScoreSeeds(oracle, wallet), programID)
}

// VerifyTrustScoreAddress reports whether addr is the record address for
// (oracle, wallet) with the given bump.
func VerifyTrustScoreAddress(programID, oracle, wallet, addr PublicKey, bump uint8) bool {
	seeds := append(TrustScoreSeeds(oracle, wallet), []byte{bump})
	got, err := CreateProgramAddress(seeds, programID)
	return err == nil && got == addr
}

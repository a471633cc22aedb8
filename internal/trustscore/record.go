package trustscore

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blockid/trustledger/internal/pda"
)

// MaxScore is the highest accepted trust score.
const MaxScore = 100

// Risk is the coarse risk classification an oracle attaches to a score.
type Risk uint8

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r Risk) Valid() bool {
	return r <= RiskCritical
}

func (r Risk) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("risk(%d)", uint8(r))
	}
}

// ParseRisk accepts a level name ("low", "medium", "high", "critical").
func ParseRisk(s string) (Risk, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRisk, s)
}

// RiskForScore returns the band a score falls in. Scores are not required to
// agree with their risk unless the ledger enforces bands.
func RiskForScore(score uint8) Risk {
	switch {
	case score >= 70:
		return RiskLow
	case score >= 50:
		return RiskMedium
	case score >= 30:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Layout selects the persisted record shape.
type Layout int

const (
	// LayoutWithOwner stores the creating oracle after the fields (74 bytes).
	LayoutWithOwner Layout = iota
	// LayoutCompact omits the oracle (42 bytes). Ownership cannot be enforced.
	LayoutCompact
)

const (
	discriminatorSize = 8
	compactFieldSize  = pda.PublicKeySize + 1 + 1 + 8
	ownerFieldSize    = compactFieldSize + pda.PublicKeySize
)

// ParseLayout maps "owner" or "compact" to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "owner":
		return LayoutWithOwner, nil
	case "compact":
		return LayoutCompact, nil
	}
	return 0, fmt.Errorf("unknown record layout %q (want owner or compact)", s)
}

func (l Layout) String() string {
	if l == LayoutCompact {
		return "compact"
	}
	return "owner"
}

func (l Layout) HasOwner() bool {
	return l == LayoutWithOwner
}

// FieldSize is the size of the record fields, excluding the discriminator.
func (l Layout) FieldSize() int {
	if l == LayoutCompact {
		return compactFieldSize
	}
	return ownerFieldSize
}

// AccountSize is the number of bytes allocated for a record.
func (l Layout) AccountSize() int {
	return discriminatorSize + l.FieldSize()
}

// AccountDiscriminator prefixes every stored record.
var AccountDiscriminator = discriminator("account:TrustScoreAccount")

func discriminator(preimage string) [discriminatorSize]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [discriminatorSize]byte
	copy(d[:], sum[:discriminatorSize])
	return d
}

// Record is the current trust classification of one (oracle, wallet) pair.
type Record struct {
	Wallet      pda.PublicKey `json:"wallet"`
	Score       uint8         `json:"score"`
	Risk        Risk          `json:"risk"`
	LastUpdated int64         `json:"lastUpdated"`
	Oracle      pda.PublicKey `json:"oracle"`
	Layout      Layout        `json:"-"`
}

// Encode writes the record into a freshly allocated account buffer.
func (r *Record) Encode() []byte {
	buf := make([]byte, r.Layout.AccountSize())
	copy(buf, AccountDiscriminator[:])
	off := discriminatorSize
	off += copy(buf[off:], r.Wallet[:])
	buf[off] = r.Score
	buf[off+1] = uint8(r.Risk)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.LastUpdated))
	off += 8
	if r.Layout.HasOwner() {
		copy(buf[off:], r.Oracle[:])
	}
	return buf
}

// DecodeRecord parses stored account bytes. The layout is inferred from the
// length.
func DecodeRecord(data []byte) (*Record, error) {
	var layout Layout
	switch len(data) {
	case LayoutWithOwner.AccountSize():
		layout = LayoutWithOwner
	case LayoutCompact.AccountSize():
		layout = LayoutCompact
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptAccount, len(data))
	}
	if [discriminatorSize]byte(data[:discriminatorSize]) != AccountDiscriminator {
		return nil, fmt.Errorf("%w: discriminator mismatch", ErrCorruptAccount)
	}

	r := &Record{Layout: layout}
	off := discriminatorSize
	off += copy(r.Wallet[:], data[off:off+pda.PublicKeySize])
	r.Score = data[off]
	r.Risk = Risk(data[off+1])
	off += 2
	r.LastUpdated = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	if layout.HasOwner() {
		copy(r.Oracle[:], data[off:off+pda.PublicKeySize])
	}
	return r, nil
}

package trustscore

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/blockid/trustledger/internal/pda"
)

// UpdateDiscriminator prefixes every signed update message.
var UpdateDiscriminator = discriminator("global:update_trust_score")

// UpdateMessageSize is the length of the canonical update message.
const UpdateMessageSize = discriminatorSize + pda.PublicKeySize + 1 + 1 + pda.PublicKeySize + 8

// UpdateRequest is a request to set the score of a wallet in Oracle's record.
//
// Oracle and Wallet select the record (and seed its address). Signer is the
// caller identity and Signature must be Signer's ed25519 signature over
// Message(). A zero Signer means the oracle signs for itself, which is the
// only way to write a record while ownership is enforced.
type UpdateRequest struct {
	Oracle    pda.PublicKey
	Signer    pda.PublicKey
	Wallet    pda.PublicKey
	Score     uint8
	Risk      Risk
	Address   pda.PublicKey
	IssuedAt  int64
	Signature []byte
}

// Message returns the canonical bytes an oracle signs:
// discriminator | wallet | score | risk | address | issued_at (i64 LE).
func (r *UpdateRequest) Message() []byte {
	buf := make([]byte, UpdateMessageSize)
	off := copy(buf, UpdateDiscriminator[:])
	off += copy(buf[off:], r.Wallet[:])
	buf[off] = r.Score
	buf[off+1] = uint8(r.Risk)
	off += 2
	off += copy(buf[off:], r.Address[:])
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.IssuedAt))
	return buf
}

// Caller returns the identity that must have signed the request.
func (r *UpdateRequest) Caller() pda.PublicKey {
	if r.Signer.IsZero() {
		return r.Oracle
	}
	return r.Signer
}

// Sign signs the message with key and records key as the signer. Oracle
// defaults to the signer when unset.
func (r *UpdateRequest) Sign(key ed25519.PrivateKey) {
	copy(r.Signer[:], key.Public().(ed25519.PublicKey))
	if r.Oracle.IsZero() {
		r.Oracle = r.Signer
	}
	r.Signature = ed25519.Sign(key, r.Message())
}

// VerifySignature reports whether Signature is the caller's signature over
// Message().
func (r *UpdateRequest) VerifySignature() bool {
	if len(r.Signature) != ed25519.SignatureSize {
		return false
	}
	caller := r.Caller()
	return ed25519.Verify(ed25519.PublicKey(caller[:]), r.Message(), r.Signature)
}

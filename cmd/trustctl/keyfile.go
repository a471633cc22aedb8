package main

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/blockid/trustledger/internal/pda"
)

// Key files hold the 64-byte ed25519 private key (seed followed by public
// key) as a JSON array of numbers, the layout Solana tooling writes.

func writeKeyFile(path string, priv ed25519.PrivateKey) error {
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func readKeyFile(path string) (ed25519.PrivateKey, pda.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pda.PublicKey{}, err
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, pda.PublicKey{}, fmt.Errorf("%s: not a key file: %w", path, err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, pda.PublicKey{}, fmt.Errorf("%s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(ints))
	}
	raw := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, pda.PublicKey{}, fmt.Errorf("%s: byte %d out of range", path, i)
		}
		raw[i] = byte(v)
	}

	priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if string(priv) != string(raw) {
		return nil, pda.PublicKey{}, fmt.Errorf("%s: public half does not match seed", path)
	}
	pub, err := pda.PublicKeyFromBytes(priv.Public().(ed25519.PublicKey))
	return priv, pub, err
}

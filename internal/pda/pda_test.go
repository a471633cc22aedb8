package pda

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgramID = MustParsePublicKey("55iMY3uHQadPv4PXwqF1uYWdyie3wqKCwJHs97eWPE6B")

func randomKey(t *testing.T) PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	k, err := PublicKeyFromBytes(pub)
	require.NoError(t, err)
	return k
}

func TestParsePublicKey(t *testing.T) {
	k := randomKey(t)

	parsed, err := ParsePublicKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"bad alphabet", "0OIl"},
		{"too short", "3mJr7AoUXx2Wqd"},
		{"too long", k.String() + k.String()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePublicKey(tt.input)
			assert.ErrorIs(t, err, ErrInvalidPublicKey)
		})
	}
}

func TestPublicKey_JSON(t *testing.T) {
	k := randomKey(t)

	data, err := json.Marshal(struct {
		Oracle PublicKey `json:"oracle"`
	}{k})
	require.NoError(t, err)
	assert.Equal(t, `{"oracle":"`+k.String()+`"}`, string(data))

	var out struct {
		Oracle PublicKey `json:"oracle"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, k, out.Oracle)

	err = json.Unmarshal([]byte(`{"oracle":"not-base58!"}`), &out)
	assert.Error(t, err)
}

func TestPublicKey_IsOnCurve(t *testing.T) {
	// A real ed25519 public key is always a curve point.
	assert.True(t, randomKey(t).IsOnCurve())
}

func TestTrustScoreAddress_Deterministic(t *testing.T) {
	oracle, wallet := randomKey(t), randomKey(t)

	a, err := TrustScoreAddress(testProgramID, oracle, wallet)
	require.NoError(t, err)
	b, err := TrustScoreAddress(testProgramID, oracle, wallet)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.False(t, a.Address.IsOnCurve())
	assert.True(t, VerifyTrustScoreAddress(testProgramID, oracle, wallet, a.Address, a.Bump))
	assert.GreaterOrEqual(t, a.Attempts(), 1)
}

func TestTrustScoreAddress_Distinct(t *testing.T) {
	oracle1, oracle2, wallet := randomKey(t), randomKey(t), randomKey(t)

	a, err := TrustScoreAddress(testProgramID, oracle1, wallet)
	require.NoError(t, err)
	b, err := TrustScoreAddress(testProgramID, oracle2, wallet)
	require.NoError(t, err)
	assert.NotEqual(t, a.Address, b.Address, "same wallet under two oracles must not collide")

	other := randomKey(t)
	c, err := TrustScoreAddress(other, oracle1, wallet)
	require.NoError(t, err)
	assert.NotEqual(t, a.Address, c.Address, "program id is part of the address")
}

func TestVerifyTrustScoreAddress_WrongBump(t *testing.T) {
	oracle, wallet := randomKey(t), randomKey(t)
	d, err := TrustScoreAddress(testProgramID, oracle, wallet)
	require.NoError(t, err)

	assert.False(t, VerifyTrustScoreAddress(testProgramID, oracle, wallet, d.Address, d.Bump-1))
	assert.False(t, VerifyTrustScoreAddress(testProgramID, wallet, oracle, d.Address, d.Bump))
}

func TestCreateProgramAddress_SeedLimits(t *testing.T) {
	long := []byte(strings.Repeat("x", MaxSeedLen+1))
	_, err := CreateProgramAddress([][]byte{long}, testProgramID)
	assert.ErrorIs(t, err, ErrMaxSeedLength)

	many := make([][]byte, MaxSeeds+1)
	for i := range many {
		many[i] = []byte{byte(i)}
	}
	_, err = CreateProgramAddress(many, testProgramID)
	assert.ErrorIs(t, err, ErrMaxSeedLength)

	_, err = FindProgramAddress(many[:MaxSeeds], testProgramID)
	assert.ErrorIs(t, err, ErrMaxSeedLength)
}

func TestFindProgramAddress_MatchesCreate(t *testing.T) {
	seeds := [][]byte{[]byte("vault"), []byte{1, 2, 3}}
	d, err := FindProgramAddress(seeds, testProgramID)
	require.NoError(t, err)

	got, err := CreateProgramAddress(append(seeds, []byte{d.Bump}), testProgramID)
	require.NoError(t, err)
	assert.Equal(t, d.Address, got)

	// Every bump above the chosen one must have landed on the curve.
	for b := 255; b > int(d.Bump); b-- {
		_, err := CreateProgramAddress(append(seeds, []byte{byte(b)}), testProgramID)
		assert.ErrorIs(t, err, ErrOnCurve, "bump %d", b)
	}
}

func TestFindProgramAddress_DoesNotMutateSeeds(t *testing.T) {
	seeds := make([][]byte, 2, 4)
	seeds[0] = []byte("a")
	seeds[1] = []byte("b")

	_, err := FindProgramAddress(seeds, testProgramID)
	require.NoError(t, err)
	assert.Len(t, seeds, 2)
	assert.Nil(t, seeds[:3][2])
}

func TestCreateProgramAddress_KnownVectors(t *testing.T) {
	// Vectors from the Solana web3.js PublicKey.createProgramAddress tests.
	loader := MustParsePublicKey("BPFLoader1111111111111111111111111111111111")
	seedKey := MustParsePublicKey("SeedPubey1111111111111111111111111111111111")

	tests := []struct {
		name  string
		seeds [][]byte
		want  string
	}{
		{"empty seed and bump", [][]byte{{}, {1}}, "3gF2KMe9KiC6FNVBmfg9i267aMPvK37FewCip4eGBFcT"},
		{"utf8 seed", [][]byte{[]byte("☉")}, "7ytmC1nT1xY4RfxCV2ZgyA7UakC93do5ZdyhdF3EtPj7"},
		{"two seeds", [][]byte{[]byte("Talking"), []byte("Squirrels")}, "HwRVBufQ4haG5XSgpspwKtNd3PC9GM9m1196uJW36vds"},
		{"key seed", [][]byte{seedKey[:]}, "GUs5qLUfsEHkcMB9T38vjr18ypEhRuNWiePW2LoK4E3K"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := CreateProgramAddress(tt.seeds, loader)
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr.String())
		})
	}
}

func TestTrustScoreAddress_KnownVectors(t *testing.T) {
	// Same results as find_program_address over
	// [b"trust_score", oracle, wallet] in the Python publisher.
	oracle := MustParsePublicKey("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")

	tests := []struct {
		name   string
		wallet string
		addr   string
		bump   uint8
	}{
		{"first bump", "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM", "21V7JoCr3UAohGoD8RgbhMm837QzJQKot7Xr4msfhTKg", 255},
		{"skips on-curve bumps", "8cBxHpphLsYFmz7makmYs6wXnBrdFA8hkPBXKF8HxDQx", "4BvKLH6ptYTLfX7b9wnZJTAEUDx9kcA6xSn6baTiPJ49", 252},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wallet := MustParsePublicKey(tt.wallet)
			d, err := TrustScoreAddress(testProgramID, oracle, wallet)
			require.NoError(t, err)
			assert.Equal(t, tt.addr, d.Address.String())
			assert.Equal(t, tt.bump, d.Bump)
			assert.True(t, VerifyTrustScoreAddress(testProgramID, oracle, wallet, d.Address, d.Bump))

			for b := 255; b > int(tt.bump); b-- {
				seeds := append(TrustScoreSeeds(oracle, wallet), []byte{uint8(b)})
				_, err := CreateProgramAddress(seeds, testProgramID)
				assert.ErrorIs(t, err, ErrOnCurve, "bump %d", b)
			}
		})
	}
}

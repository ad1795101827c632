package auth

import (
	"context"
	"crypto/ecdsa"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "api.example.test"

func sign(t *testing.T, key *ecdsa.PrivateKey, address, timestamp string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(Message(testDomain, address, timestamp))), key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(testDomain, time.Hour)
	v.Now = func() time.Time { return now }
	return v
}

func TestParseBearer(t *testing.T) {
	tok, err := ParseBearer("Bearer 0xabc:1700000000:0xsig:with:colons")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", tok.Address)
	assert.Equal(t, "1700000000", tok.Timestamp)
	assert.Equal(t, "0xsig:with:colons", tok.Signature)

	for _, h := range []string{"", "Basic abc", "Bearer 0xabc:123", "Bearer "} {
		_, err := ParseBearer(h)
		assert.ErrorIs(t, err, ErrMissingToken, h)
	}
}

func TestVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	now := time.Unix(1_700_000_000, 0)

	ts := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	got, err := fixedVerifier(now).Verify(Token{Address: addr.Hex(), Timestamp: ts, Signature: sign(t, key, addr.Hex(), ts)})
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	assert.Equal(t, strings.ToLower(addr.Hex()), ActorKey(got))
}

func TestVerifyMillisecondTimestamp(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	now := time.Unix(1_700_000_000, 0)

	ts := strconv.FormatInt(now.Add(-time.Minute).UnixMilli(), 10)
	_, err := fixedVerifier(now).Verify(Token{Address: addr, Timestamp: ts, Signature: sign(t, key, addr, ts)})
	assert.NoError(t, err)
}

func TestVerifyRejects(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	now := time.Unix(1_700_000_000, 0)
	fresh := strconv.FormatInt(now.Unix(), 10)
	stale := strconv.FormatInt(now.Add(-2*time.Hour).Unix(), 10)
	future := strconv.FormatInt(now.Add(time.Hour).Unix(), 10)

	cases := map[string]Token{
		"expired":        {Address: addr, Timestamp: stale, Signature: sign(t, key, addr, stale)},
		"future":         {Address: addr, Timestamp: future, Signature: sign(t, key, addr, future)},
		"wrong signer":   {Address: addr, Timestamp: fresh, Signature: sign(t, other, addr, fresh)},
		"bad address":    {Address: "agent", Timestamp: fresh, Signature: sign(t, key, "agent", fresh)},
		"bad signature":  {Address: addr, Timestamp: fresh, Signature: "0x1234"},
		"bad timestamp":  {Address: addr, Timestamp: "soon", Signature: sign(t, key, addr, "soon")},
		"tampered stamp": {Address: addr, Timestamp: fresh, Signature: sign(t, key, addr, stale)},
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fixedVerifier(now).Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAgentContext(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	_, ok := AgentFrom(context.Background())
	assert.False(t, ok)

	got, ok := AgentFrom(WithAgent(context.Background(), addr))
	require.True(t, ok)
	assert.Equal(t, addr, got)
}

func TestMessageFormat(t *testing.T) {
	assert.Equal(t,
		"Sign-In With Agent: api.example.test wants you to sign in with your wallet {address} at {timestamp}",
		MessageFormat(testDomain))
}

package payment

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePayload(t *testing.T, from, nonce string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "base",
		"payload": map[string]any{
			"signature": "0xsig",
			"authorization": map[string]string{
				"from":        from,
				"to":          "0x000000000000000000000000000000000000bEEF",
				"value":       "1000000",
				"validAfter":  "0",
				"validBefore": "9999999999",
				"nonce":       nonce,
			},
		},
	})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

func TestDecodePayload(t *testing.T) {
	header := encodePayload(t, "0xAAAA000000000000000000000000000000000001", "0x01")
	p, err := DecodePayload(header)
	require.NoError(t, err)
	assert.Equal(t, 1, p.X402Version)
	assert.Equal(t, "base", p.Network)
	assert.Equal(t, "0xaaaa000000000000000000000000000000000001", p.Payer())
	assert.NotEmpty(t, p.Raw())

	_, err = DecodePayload("not base64 at all!")
	assert.Error(t, err)
}

func TestProofKeyIgnoresSignatureEncoding(t *testing.T) {
	a := encodePayload(t, "0xAAAA000000000000000000000000000000000001", "0x01")
	b := encodePayload(t, "0xaaaa000000000000000000000000000000000001", "0x01")
	c := encodePayload(t, "0xaaaa000000000000000000000000000000000001", "0x02")

	assert.Equal(t, ProofKey(a), ProofKey(b), "payer case must not change the key")
	assert.NotEqual(t, ProofKey(a), ProofKey(c))
	assert.Len(t, ProofKey(a), 64)
}

func TestProofKeyOpaqueHeader(t *testing.T) {
	assert.Equal(t, ProofKey("opaque-token"), ProofKey("  opaque-token "))
	assert.NotEqual(t, ProofKey("opaque-token"), ProofKey("opaque-token-2"))
}

func TestOnchainProofKey(t *testing.T) {
	hash := "0xABCDEF0000000000000000000000000000000000000000000000000000000001"
	key, ok := OnchainProofKey(hash)
	require.True(t, ok)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000000000000000000000000000001", key)

	_, ok = OnchainProofKey("0x1234")
	assert.False(t, ok)
}

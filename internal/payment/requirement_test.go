package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinorUnits(t *testing.T) {
	cases := []struct {
		price string
		want  string
	}{
		{"1", "1000000"},
		{"$1", "1000000"},
		{"0.25", "250000"},
		{"0.000001", "1"},
		{"0", "0"},
		{" 12.5 ", "12500000"},
	}
	for _, tc := range cases {
		got, err := ToMinorUnits(tc.price, 6)
		require.NoError(t, err, tc.price)
		assert.Equal(t, tc.want, got.String(), tc.price)
	}

	for _, bad := range []string{"", "abc", "-1", "0.0000001"} {
		_, err := ToMinorUnits(bad, 6)
		assert.ErrorIs(t, err, ErrInvalidPrice, bad)
	}
}

func TestPricingRequirement(t *testing.T) {
	p := Pricing{
		PriceUSD:       "1",
		Network:        "base",
		Asset:          "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PayTo:          "0x000000000000000000000000000000000000bEEF",
		Description:    "Register an agent record",
		TimeoutSeconds: 300,
	}
	req, err := p.Requirement("/api/v1/actions")
	require.NoError(t, err)

	assert.Equal(t, "exact", req.Scheme)
	assert.Equal(t, "1000000", req.MaxAmountRequired)
	assert.Equal(t, p.PayTo, req.PayTo)
	assert.Equal(t, "/api/v1/actions", req.Resource)
	assert.Equal(t, 300, req.MaxTimeoutSeconds)
	assert.False(t, IsFree(req))

	p.PriceUSD = "0"
	req, err = p.Requirement("/x")
	require.NoError(t, err)
	assert.True(t, IsFree(req))
}

package payment

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/punchamoorthee/ledgergate/internal/domain"
)

const (
	// SchemeExact is the only x402 scheme this service accepts.
	SchemeExact = "exact"

	// USDC has 6 decimals on every supported network.
	usdcDecimals = 6
)

var ErrInvalidPrice = errors.New("invalid price")

// Pricing is the static part of a PaymentRequirement.
type Pricing struct {
	PriceUSD       string
	Network        string
	Asset          string
	PayTo          string
	Description    string
	TimeoutSeconds int
}

// Requirement builds the requirement for one protected resource.
func (p Pricing) Requirement(resource string) (domain.PaymentRequirement, error) {
	amount, err := ToMinorUnits(p.PriceUSD, usdcDecimals)
	if err != nil {
		return domain.PaymentRequirement{}, err
	}
	return domain.PaymentRequirement{
		Scheme:            SchemeExact,
		Network:           p.Network,
		MaxAmountRequired: amount.String(),
		Resource:          resource,
		Description:       p.Description,
		MimeType:          "application/json",
		PayTo:             p.PayTo,
		MaxTimeoutSeconds: p.TimeoutSeconds,
		Asset:             p.Asset,
	}, nil
}

// ToMinorUnits converts a decimal price such as "1" or "0.25" to integer
// minor units. Fractions finer than the asset's decimals are rejected rather
// than rounded.
func ToMinorUnits(price string, decimals int) (*big.Int, error) {
	price = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(price), "$"))
	r, ok := new(big.Rat).SetString(price)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, price)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidPrice, price)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidPrice, price, decimals)
	}
	return new(big.Int).Set(r.Num()), nil
}

// IsFree reports whether the requirement asks for nothing.
func IsFree(req domain.PaymentRequirement) bool {
	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	return ok && amount.Sign() == 0
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DefaultMaxAge = time.Hour
	// MaxClockSkew bounds how far in the future a signed timestamp may be.
	MaxClockSkew = 5 * time.Minute

	bearerPrefix = "Bearer "
)

var (
	ErrMissingToken = errors.New("siwa token missing")
	ErrInvalidToken = errors.New("siwa token invalid or expired")
)

// Token is the parsed form of "Bearer {address}:{timestamp}:{signature}".
type Token struct {
	Address   string
	Timestamp string
	Signature string
}

// ParseBearer splits an Authorization header. The signature keeps any
// further colons.
func ParseBearer(header string) (Token, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return Token{}, ErrMissingToken
	}
	parts := strings.SplitN(strings.TrimPrefix(header, bearerPrefix), ":", 3)
	if len(parts) < 3 {
		return Token{}, ErrMissingToken
	}
	return Token{Address: parts[0], Timestamp: parts[1], Signature: parts[2]}, nil
}

// Message is the text an agent signs with personal_sign.
func Message(domain, address, timestamp string) string {
	return fmt.Sprintf("Sign-In With Agent: %s wants you to sign in with your wallet %s at %s", domain, address, timestamp)
}

// MessageFormat is Message with placeholders, shown to unauthenticated callers.
func MessageFormat(domain string) string {
	return Message(domain, "{address}", "{timestamp}")
}

type Verifier struct {
	Domain string
	MaxAge time.Duration
	Now    func() time.Time
}

func NewVerifier(domain string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{Domain: domain, MaxAge: maxAge, Now: time.Now}
}

// Verify recovers the signer of tok and checks it against the claimed
// address and the token age. Timestamps below 1e12 are taken as seconds,
// otherwise milliseconds.
func (v *Verifier) Verify(tok Token) (common.Address, error) {
	if !common.IsHexAddress(tok.Address) {
		return common.Address{}, fmt.Errorf("%w: malformed address", ErrInvalidToken)
	}
	claimed := common.HexToAddress(tok.Address)

	sig, err := hexutil.Decode(tok.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrInvalidToken)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	digest := accounts.TextHash([]byte(Message(v.Domain, tok.Address, tok.Timestamp)))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if crypto.PubkeyToAddress(*pub) != claimed {
		return common.Address{}, fmt.Errorf("%w: signer mismatch", ErrInvalidToken)
	}

	ts, err := strconv.ParseInt(tok.Timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed timestamp", ErrInvalidToken)
	}
	var signedAt time.Time
	if ts < 1e12 {
		signedAt = time.Unix(ts, 0)
	} else {
		signedAt = time.UnixMilli(ts)
	}
	age := v.now().Sub(signedAt)
	if age > v.MaxAge {
		return common.Address{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if age < -MaxClockSkew {
		return common.Address{}, fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}
	return claimed, nil
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now()
	}
	return v.Now()
}

// ActorKey is the cooldown identity of an authenticated agent.
func ActorKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

type ctxKey struct{}

func WithAgent(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, ctxKey{}, addr)
}

// AgentFrom returns the authenticated agent stored by WithAgent.
func AgentFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(ctxKey{}).(common.Address)
	return addr, ok
}

package payment

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Payload is the decoded X-PAYMENT header.
type Payload struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network"`
	Payload     *EvmPayload `json:"payload"`
	raw         json.RawMessage
}

// EvmPayload carries either an EIP-3009 authorization or an ERC-2612 permit.
type EvmPayload struct {
	Signature     string            `json:"signature"`
	Authorization *EvmAuthorization `json:"authorization,omitempty"`
	Permit        *EvmPermit        `json:"permit,omitempty"`
}

type EvmAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type EvmPermit struct {
	Owner    string `json:"owner"`
	Spender  string `json:"spender"`
	Value    string `json:"value"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
}

// DecodePayload parses a base64 JSON payment header. Both the standard and
// URL-safe alphabets are accepted.
func DecodePayload(header string) (*Payload, error) {
	header = strings.TrimSpace(header)
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(header, "="))
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 string: %w", err)
		}
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment payload: %w", err)
	}
	if p.X402Version == 0 {
		p.X402Version = 1
	}
	p.raw = raw
	return &p, nil
}

// Raw returns the JSON the payload was decoded from.
func (p *Payload) Raw() json.RawMessage {
	return p.raw
}

// Payer returns the paying address, if the payload names one.
func (p *Payload) Payer() string {
	switch {
	case p.Payload == nil:
		return ""
	case p.Payload.Authorization != nil:
		return strings.ToLower(p.Payload.Authorization.From)
	case p.Payload.Permit != nil:
		return strings.ToLower(p.Payload.Permit.Owner)
	}
	return ""
}

func (p *Payload) nonce() string {
	switch {
	case p.Payload == nil:
		return ""
	case p.Payload.Authorization != nil:
		return p.Payload.Authorization.Nonce
	case p.Payload.Permit != nil:
		return p.Payload.Permit.Nonce
	}
	return ""
}

// ProofKey derives the dedup key for a facilitator proof. A payload that
// names a payer and a nonce is keyed by (network, payer, nonce), which is
// what the asset contract itself treats as single-use. Anything else is keyed
// by the header bytes.
func ProofKey(header string) string {
	if p, err := DecodePayload(header); err == nil {
		payer, nonce := p.Payer(), strings.ToLower(p.nonce())
		if payer != "" && nonce != "" {
			return digest(strings.ToLower(p.Network) + "|" + payer + "|" + nonce)
		}
	}
	return digest(strings.TrimSpace(header))
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// OnchainProofKey validates and normalises a transaction hash proof.
func OnchainProofKey(txHash string) (string, bool) {
	txHash = strings.TrimSpace(txHash)
	if !txHashPattern.MatchString(txHash) {
		return "", false
	}
	return strings.ToLower(txHash), true
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

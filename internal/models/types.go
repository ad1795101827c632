package models

import "github.com/punchamoorthee/ledgergate/internal/domain"

// X402Version is the protocol version advertised in challenges.
const X402Version = 1

// ActionRequest is the payload from the client.
type ActionRequest struct {
	Name      string `json:"name"`
	Framework string `json:"framework"`
}

// ActionResponse is returned once the ledger write is included.
type ActionResponse struct {
	Success             bool   `json:"success"`
	GeneratedIdentifier string `json:"generatedIdentifier,omitempty"`
	OperationHandle     string `json:"operationHandle"`
	ExplorerLink        string `json:"explorerLink,omitempty"`
	Message             string `json:"message"`
}

// PendingResponse is returned when the write was sent but not yet included.
type PendingResponse struct {
	Success         bool   `json:"success"`
	Pending         bool   `json:"pending"`
	OperationHandle string `json:"operationHandle"`
	ExplorerLink    string `json:"explorerLink,omitempty"`
	Message         string `json:"message"`
}

// ChallengeResponse is the 402 body.
type ChallengeResponse struct {
	Error       string                      `json:"error"`
	Accepts     []domain.PaymentRequirement `json:"accepts"`
	X402Version int                         `json:"x402Version"`
	Hint        string                      `json:"hint"`
	Detail      string                      `json:"detail,omitempty"`
}

// ThrottledResponse is the 429 body.
type ThrottledResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds"`
}

// AuthChallenge is the 401 body for a missing agent signature.
type AuthChallenge struct {
	Error         string `json:"error"`
	Hint          string `json:"hint,omitempty"`
	MessageFormat string `json:"message_format,omitempty"`
}

type ErrorResponse struct {
	Error           string `json:"error"`
	OperationHandle string `json:"operationHandle,omitempty"`
}

// PricingResponse describes the current price of a gated action.
type PricingResponse struct {
	PriceUSD    string                      `json:"priceUSD"`
	Accepts     []domain.PaymentRequirement `json:"accepts"`
	X402Version int                         `json:"x402Version"`
	Cooldown    string                      `json:"cooldown"`
}

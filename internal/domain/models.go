package domain

import (
	"math/big"
	"time"
)

// PaymentRequirement is the x402 "accepts" entry for one protected action.
// It is built per request and returned verbatim in challenge responses.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`
}

// ProofKind distinguishes how the caller presented payment.
type ProofKind string

const (
	// ProofFacilitator is an opaque X-PAYMENT token settled through the facilitator.
	ProofFacilitator ProofKind = "facilitator"
	// ProofOnchain is a transaction hash of a direct asset transfer to the payee.
	ProofOnchain ProofKind = "onchain"
)

// UsedProofRecord marks a proof key as consumed. A key is recorded at most once.
type UsedProofRecord struct {
	ProofKey   string    `json:"proof_key"`
	ConsumedAt time.Time `json:"consumed_at"`
}

// CooldownEntry is the last successful action time for an actor.
type CooldownEntry struct {
	ActorKey     string    `json:"actor_key"`
	LastActionAt time.Time `json:"last_action_at"`
}

// Authorization is handed to the orchestrator once a proof has been settled
// and recorded.
type Authorization struct {
	ProofKey    string    `json:"proof_key"`
	Kind        ProofKind `json:"kind"`
	Payer       string    `json:"payer,omitempty"`
	Transaction string    `json:"transaction,omitempty"`
	Network     string    `json:"network,omitempty"`
	// SettlementHeader is the base64 settle response echoed as X-PAYMENT-RESPONSE.
	SettlementHeader string `json:"-"`
}

// ActionRequest is the validated input of one gated action.
type ActionRequest struct {
	ActorKey  string
	Name      string
	Framework string
	Resource  string
	Proof     string
	ProofKind ProofKind
}

// ActionResult is returned for an included (or still pending) ledger write.
type ActionResult struct {
	GeneratedIdentifier *big.Int
	OperationHandle     string
	ExplorerLink        string
	Payment             *Authorization
}

package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/punchamoorthee/ledgergate/internal/domain"
)

const (
	DefaultFacilitatorURL = "https://x402.org/facilitator"

	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"

	// facilitator error bodies are truncated to this many bytes
	maxDetailBytes = 2048
)

// Facilitator verifies and settles payment proofs.
type Facilitator interface {
	Verify(ctx context.Context, proof string, req domain.PaymentRequirement) (*VerifyResponse, error)
	Settle(ctx context.Context, proof string, req domain.PaymentRequirement) (*SettleResponse, error)
}

type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// EncodeHeader returns the X-PAYMENT-RESPONSE value for s.
func (s *SettleResponse) EncodeHeader() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// StatusError is a non-200 facilitator reply.
type StatusError struct {
	Capability string
	Status     int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("facilitator %s: status %d", e.Capability, e.Status)
	}
	return fmt.Sprintf("facilitator %s: status %d: %s", e.Capability, e.Status, e.Detail)
}

// FacilitatorClient talks to an x402 facilitator over HTTP. Deadlines come
// from the caller's context.
type FacilitatorClient struct {
	URL        string
	HTTPClient *http.Client
	// AuthHeaders, when set, returns extra headers for a capability.
	AuthHeaders func(capability string) (map[string]string, error)
}

func NewFacilitatorClient(url string) *FacilitatorClient {
	if url == "" {
		url = DefaultFacilitatorURL
	}
	return &FacilitatorClient{
		URL:        strings.TrimRight(url, "/"),
		HTTPClient: &http.Client{},
	}
}

// Verify treats a 200 reply without an explicit isValid field as valid.
func (c *FacilitatorClient) Verify(ctx context.Context, proof string, req domain.PaymentRequirement) (*VerifyResponse, error) {
	var body struct {
		VerifyResponse
		IsValid *bool `json:"isValid"`
	}
	if err := c.post(ctx, "verify", proof, req, &body); err != nil {
		return nil, err
	}
	resp := body.VerifyResponse
	resp.IsValid = body.IsValid == nil || *body.IsValid
	return &resp, nil
}

// Settle treats a 200 reply without an explicit success field as settled.
func (c *FacilitatorClient) Settle(ctx context.Context, proof string, req domain.PaymentRequirement) (*SettleResponse, error) {
	var body struct {
		SettleResponse
		Success *bool `json:"success"`
	}
	if err := c.post(ctx, "settle", proof, req, &body); err != nil {
		return nil, err
	}
	resp := body.SettleResponse
	resp.Success = body.Success == nil || *body.Success
	return &resp, nil
}

// requestBody carries both the x402 v1 envelope and the flat fields some
// facilitators read instead.
func requestBody(proof string, req domain.PaymentRequirement) map[string]any {
	body := map[string]any{
		"x402Version":         1,
		"paymentRequirements": req,
		"payment":             proof,
		"payTo":               req.PayTo,
		"maxAmountRequired":   req.MaxAmountRequired,
		"network":             req.Network,
		"asset":               req.Asset,
		"resource":            req.Resource,
	}
	if p, err := DecodePayload(proof); err == nil {
		body["paymentPayload"] = p.Raw()
	} else {
		body["paymentPayload"] = proof
	}
	return body
}

func (c *FacilitatorClient) post(ctx context.Context, capability, proof string, req domain.PaymentRequirement, out any) error {
	jsonBody, err := json.Marshal(requestBody(proof, req))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/"+capability, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set(headerContentType, mimeApplicationJSON)

	if c.AuthHeaders != nil {
		headers, err := c.AuthHeaders(capability)
		if err != nil {
			return fmt.Errorf("failed to apply %s auth headers: %w", capability, err)
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", capability, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
		return &StatusError{
			Capability: capability,
			Status:     resp.StatusCode,
			Detail:     strings.TrimSpace(string(detail)),
		}
	}

	// A 200 is the acceptance signal; a body that is not JSON leaves out at
	// its zero value.
	var syntaxErr *json.SyntaxError
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) && !errors.As(err, &syntaxErr) {
		return fmt.Errorf("failed to decode %s response: %w", capability, err)
	}
	return nil
}

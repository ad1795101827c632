package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgergate/internal/domain"
)

var testRequirement = domain.PaymentRequirement{
	Scheme:            "exact",
	Network:           "base",
	MaxAmountRequired: "1000000",
	Resource:          "/api/v1/actions",
	PayTo:             "0x000000000000000000000000000000000000bEEF",
	MaxTimeoutSeconds: 300,
	Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
}

func TestFacilitatorClientVerify(t *testing.T) {
	proof := encodePayload(t, "0xaaaa000000000000000000000000000000000001", "0x01")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 1, body["x402Version"])
		assert.Equal(t, proof, body["payment"])
		assert.Equal(t, "1000000", body["maxAmountRequired"])
		assert.Equal(t, testRequirement.PayTo, body["payTo"])
		payload, ok := body["paymentPayload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "exact", payload["scheme"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Payer: "0xaaaa"})
	}))
	defer server.Close()

	client := NewFacilitatorClient(server.URL + "/")
	resp, err := client.Verify(context.Background(), proof, testRequirement)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "0xaaaa", resp.Payer)
}

func TestFacilitatorClientVerifyInvalid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"isValid":false,"invalidReason":"insufficient_funds"}`))
	}))
	defer server.Close()

	resp, err := NewFacilitatorClient(server.URL).Verify(context.Background(), "x", testRequirement)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "insufficient_funds", resp.InvalidReason)
}

func TestFacilitatorClientEmptyOKBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewFacilitatorClient(server.URL)
	v, err := client.Verify(context.Background(), "x", testRequirement)
	require.NoError(t, err)
	assert.True(t, v.IsValid)

	s, err := client.Settle(context.Background(), "x", testRequirement)
	require.NoError(t, err)
	assert.True(t, s.Success)
}

func TestFacilitatorClientPlainTextOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	v, err := NewFacilitatorClient(server.URL).Verify(context.Background(), "x", testRequirement)
	require.NoError(t, err)
	assert.True(t, v.IsValid)
}

func TestFacilitatorClientStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signature expired", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := NewFacilitatorClient(server.URL).Settle(context.Background(), "x", testRequirement)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "settle", se.Capability)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, "signature expired", se.Detail)
}

func TestFacilitatorClientHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewFacilitatorClient(server.URL).Verify(ctx, "x", testRequirement)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSettleResponseHeader(t *testing.T) {
	s := &SettleResponse{Success: true, Transaction: "0xabc", Network: "base"}
	header, err := s.EncodeHeader()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(header)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"transaction":"0xabc","network":"base"}`, string(raw))
}

func TestFacilitatorClientAuthHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer settle-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"success":true,"transaction":"0x1","network":"base"}`))
	}))
	defer server.Close()

	client := NewFacilitatorClient(server.URL)
	client.AuthHeaders = func(capability string) (map[string]string, error) {
		return map[string]string{"Authorization": "Bearer " + capability + "-token"}, nil
	}
	resp, err := client.Settle(context.Background(), "x", testRequirement)
	require.NoError(t, err)
	assert.Equal(t, "0x1", resp.Transaction)
}

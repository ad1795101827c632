package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/ledgergate/internal/auth"
	"github.com/punchamoorthee/ledgergate/internal/domain"
	"github.com/punchamoorthee/ledgergate/internal/logging"
	"github.com/punchamoorthee/ledgergate/internal/metrics"
	"github.com/punchamoorthee/ledgergate/internal/models"
	"github.com/punchamoorthee/ledgergate/internal/payment"
)

const (
	headerPayment         = "X-PAYMENT"
	headerPaymentAlt      = "Payment"
	headerPaymentProof    = "X-PAYMENT-PROOF"
	headerPaymentResponse = "X-PAYMENT-RESPONSE"

	maxBodyBytes  = 64 << 10
	maxNameLength = 64
)

var validFrameworks = []string{"openclaw", "eliza", "langchain", "crewai", "autogpt", "bankr", "virtuals", "based", "agentkit", "custom"}

type ActionService interface {
	Requirement(resource string) (domain.PaymentRequirement, error)
	Handle(ctx context.Context, req domain.ActionRequest) (*domain.ActionResult, error)
	Recheck(ctx context.Context, handle string) (*domain.ActionResult, error)
	ExplorerLink(handle string) string
}

type Options struct {
	// LegacyProofs accepts a transfer tx hash in X-PAYMENT-PROOF.
	LegacyProofs bool
	PriceUSD     string
	Cooldown     time.Duration
	Logger       *slog.Logger
}

type Handler struct {
	service ActionService
	opts    Options
	log     *slog.Logger
}

func NewHandler(svc ActionService, opts Options) *Handler {
	return &Handler{
		service: svc,
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "api"),
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, r.Method, "/health")
}

func (h *Handler) PricingHandler(w http.ResponseWriter, r *http.Request) {
	const ep = "/api/v1/pricing"
	req, err := h.service.Requirement("/api/v1/actions")
	if err != nil {
		h.log.Error("pricing misconfigured", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, ep)
		return
	}
	respondJSON(w, http.StatusOK, models.PricingResponse{
		PriceUSD:    h.opts.PriceUSD,
		Accepts:     []domain.PaymentRequirement{req},
		X402Version: models.X402Version,
		Cooldown:    h.opts.Cooldown.String(),
	}, r.Method, ep)
}

func (h *Handler) CreateActionHandler(w http.ResponseWriter, r *http.Request) {
	const ep = "/api/v1/actions"
	timer := prometheus.NewTimer(metrics.HTTPLatency.WithLabelValues("POST", ep))
	defer timer.ObserveDuration()

	agent, ok := auth.AgentFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "SIWA authentication required", r.Method, ep)
		return
	}

	var body models.ActionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body", r.Method, ep)
		return
	}
	if n := utf8.RuneCountInString(body.Name); n < 1 || n > maxNameLength {
		respondError(w, http.StatusBadRequest, "name required (1-64 chars)", r.Method, ep)
		return
	}
	framework := strings.ToLower(body.Framework)
	if framework == "" {
		framework = "custom"
	}
	if !validFramework(framework) {
		respondError(w, http.StatusBadRequest, "framework must be one of: "+strings.Join(validFrameworks, ", "), r.Method, ep)
		return
	}

	proof, kind := h.proofFrom(r)
	req := domain.ActionRequest{
		ActorKey:  auth.ActorKey(agent),
		Name:      body.Name,
		Framework: framework,
		Resource:  r.URL.Path,
		Proof:     proof,
		ProofKind: kind,
	}

	res, err := h.service.Handle(r.Context(), req)
	if err != nil {
		h.respondFailure(w, r, ep, req.Resource, err)
		return
	}

	if res.Payment != nil && res.Payment.SettlementHeader != "" {
		w.Header().Set(headerPaymentResponse, res.Payment.SettlementHeader)
	}
	resp := models.ActionResponse{
		Success:         true,
		OperationHandle: res.OperationHandle,
		ExplorerLink:    res.ExplorerLink,
		Message:         fmt.Sprintf("%s is now on the ledger", body.Name),
	}
	if res.GeneratedIdentifier != nil {
		resp.GeneratedIdentifier = res.GeneratedIdentifier.String()
		resp.Message = fmt.Sprintf("%s is now on the ledger as #%s", body.Name, resp.GeneratedIdentifier)
	}
	w.Header().Set("Location", "/api/v1/operations/"+res.OperationHandle)
	respondJSON(w, http.StatusCreated, resp, r.Method, ep)
}

func (h *Handler) GetOperationHandler(w http.ResponseWriter, r *http.Request) {
	const ep = "/api/v1/operations/{hash}"

	handle, ok := payment.OnchainProofKey(mux.Vars(r)["hash"])
	if !ok {
		respondError(w, http.StatusBadRequest, "Malformed operation handle", r.Method, ep)
		return
	}

	res, err := h.service.Recheck(r.Context(), handle)
	if err != nil {
		h.respondFailure(w, r, ep, "", err)
		return
	}
	resp := models.ActionResponse{
		Success:         true,
		OperationHandle: res.OperationHandle,
		ExplorerLink:    res.ExplorerLink,
		Message:         "operation included",
	}
	if res.GeneratedIdentifier != nil {
		resp.GeneratedIdentifier = res.GeneratedIdentifier.String()
	}
	respondJSON(w, http.StatusOK, resp, r.Method, ep)
}

// proofFrom reads the facilitator proof, falling back to a legacy tx hash.
func (h *Handler) proofFrom(r *http.Request) (string, domain.ProofKind) {
	if p := r.Header.Get(headerPayment); p != "" {
		return p, domain.ProofFacilitator
	}
	if p := r.Header.Get(headerPaymentAlt); p != "" {
		return p, domain.ProofFacilitator
	}
	if h.opts.LegacyProofs {
		if p := r.Header.Get(headerPaymentProof); p != "" {
			return p, domain.ProofOnchain
		}
	}
	return "", domain.ProofFacilitator
}

func (h *Handler) respondFailure(w http.ResponseWriter, r *http.Request, ep, resource string, err error) {
	f, _ := domain.AsFailure(err)
	detail := ""
	handle := ""
	if f != nil {
		detail = f.Detail
		handle = f.TxHash
	}

	switch {
	case errors.Is(err, domain.ErrPaymentRequired),
		errors.Is(err, domain.ErrPaymentReplayed),
		errors.Is(err, domain.ErrPaymentInvalid),
		errors.Is(err, domain.ErrSettlementFailed):
		h.respondChallenge(w, r, ep, resource, err, detail)
	case errors.Is(err, domain.ErrThrottled):
		secs := int64(0)
		if f != nil {
			secs = int64(math.Ceil(f.RetryAfter.Seconds()))
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		respondJSON(w, http.StatusTooManyRequests, models.ThrottledResponse{
			Error:             "Cooldown active. Try again later.",
			RetryAfterSeconds: secs,
		}, r.Method, ep)
	case errors.Is(err, domain.ErrInclusionTimeout):
		respondJSON(w, http.StatusAccepted, models.PendingResponse{
			Pending:         true,
			OperationHandle: handle,
			ExplorerLink:    h.service.ExplorerLink(handle),
			Message:         "Operation submitted but not yet included. Check back with the operation handle.",
		}, r.Method, ep)
	case errors.Is(err, domain.ErrAlreadyExists):
		respondJSON(w, http.StatusConflict, models.ErrorResponse{Error: "Record already exists", OperationHandle: handle}, r.Method, ep)
	case errors.Is(err, domain.ErrRejected), errors.Is(err, domain.ErrReverted):
		msg := "Operation rejected by the ledger"
		if detail != "" {
			msg += ": " + detail
		}
		respondJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: msg, OperationHandle: handle}, r.Method, ep)
	case errors.Is(err, domain.ErrOperatorBusy):
		respondError(w, http.StatusInternalServerError, "Operator busy. Try again shortly.", r.Method, ep)
	case errors.Is(err, domain.ErrOperatorUnfunded):
		h.log.Error("operator needs funding", "error", err)
		respondError(w, http.StatusInternalServerError, "Operator needs funding", r.Method, ep)
	case errors.Is(err, domain.ErrLedgerUnavailable) && handle != "":
		// the signed transaction may still land; give the caller its handle
		h.log.Error("ledger outcome unknown", "error", err, "tx", handle, "request_id", requestIDFrom(r.Context()))
		respondJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{
			Error:           "Ledger unavailable. The operation may still complete; check the operation handle.",
			OperationHandle: handle,
		}, r.Method, ep)
	case errors.Is(err, domain.ErrLedgerUnavailable), errors.Is(err, domain.ErrStoreUnavailable):
		h.log.Error("dependency unavailable", "error", err, "request_id", requestIDFrom(r.Context()))
		respondError(w, http.StatusServiceUnavailable, "Service temporarily unavailable", r.Method, ep)
	default:
		h.log.Error("unhandled failure", "error", err, "request_id", requestIDFrom(r.Context()))
		respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, ep)
	}
}

func (h *Handler) respondChallenge(w http.ResponseWriter, r *http.Request, ep, resource string, err error, detail string) {
	req, rerr := h.service.Requirement(resource)
	if rerr != nil {
		h.log.Error("pricing misconfigured", "error", rerr)
		respondError(w, http.StatusInternalServerError, "Internal Server Error", r.Method, ep)
		return
	}

	msg := "Payment Required"
	switch {
	case errors.Is(err, domain.ErrPaymentReplayed):
		msg = "Payment proof already used"
	case errors.Is(err, domain.ErrPaymentInvalid):
		msg = "Payment verification failed"
	case errors.Is(err, domain.ErrSettlementFailed):
		msg = "Payment settlement failed"
	}
	hint := "Send x402 payment via X-PAYMENT header."
	if h.opts.LegacyProofs {
		hint += " A transfer tx hash in X-PAYMENT-PROOF is also accepted."
	}
	respondJSON(w, http.StatusPaymentRequired, models.ChallengeResponse{
		Error:       msg,
		Accepts:     []domain.PaymentRequirement{req},
		X402Version: models.X402Version,
		Hint:        hint,
		Detail:      detail,
	}, r.Method, ep)
}

func validFramework(fw string) bool {
	for _, v := range validFrameworks {
		if v == fw {
			return true
		}
	}
	return false
}

// Helpers
func respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	metrics.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	respondJSON(w, code, models.ErrorResponse{Error: msg}, method, endpoint)
}

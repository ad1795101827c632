package payment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/ledgergate/internal/domain"
	"github.com/punchamoorthee/ledgergate/internal/logging"
	"github.com/punchamoorthee/ledgergate/internal/metrics"
	"github.com/punchamoorthee/ledgergate/internal/store"
)

const (
	DefaultVerifyTimeout = 15 * time.Second
	DefaultSettleTimeout = 30 * time.Second
)

// Gate decides whether a request has paid for its action.
//
//	no proof        -> ErrPaymentRequired
//	key seen        -> ErrPaymentReplayed (no facilitator call)
//	verify fails    -> ErrPaymentInvalid
//	settle fails    -> ErrSettlementFailed
//	settled         -> key recorded, Authorization returned
//
// Facilitator timeouts deny.
type Gate struct {
	ledger      store.ProofLedger
	facilitator Facilitator
	onchain     *OnchainVerifier

	verifyTimeout time.Duration
	settleTimeout time.Duration

	locks keyLocks
	log   *slog.Logger
	now   func() time.Time
}

type GateOption func(*Gate)

func WithTimeouts(verify, settle time.Duration) GateOption {
	return func(g *Gate) {
		if verify > 0 {
			g.verifyTimeout = verify
		}
		if settle > 0 {
			g.settleTimeout = settle
		}
	}
}

// WithOnchainProofs enables transaction-hash proofs.
func WithOnchainProofs(v *OnchainVerifier) GateOption {
	return func(g *Gate) { g.onchain = v }
}

func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.log = l }
}

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(ledger store.ProofLedger, f Facilitator, opts ...GateOption) *Gate {
	g := &Gate{
		ledger:        ledger,
		facilitator:   f,
		verifyTimeout: DefaultVerifyTimeout,
		settleTimeout: DefaultSettleTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = logging.OrDefault(g.log).With("component", "payment_gate")
	return g
}

// Authorize runs one proof through the gate. Every returned error is a
// *domain.Failure.
func (g *Gate) Authorize(ctx context.Context, proof string, kind domain.ProofKind, req domain.PaymentRequirement) (*domain.Authorization, error) {
	if IsFree(req) {
		g.decision("free")
		return &domain.Authorization{Kind: kind}, nil
	}
	if proof == "" {
		g.decision("challenged")
		return nil, domain.Fail(domain.ErrPaymentRequired, "", nil)
	}

	var key string
	switch kind {
	case domain.ProofOnchain:
		if g.onchain == nil {
			g.decision("invalid")
			return nil, domain.Fail(domain.ErrPaymentInvalid, "transaction hash proofs are not accepted", nil)
		}
		k, ok := OnchainProofKey(proof)
		if !ok {
			g.decision("invalid")
			return nil, domain.Fail(domain.ErrPaymentInvalid, "malformed transaction hash", nil)
		}
		key = k
	default:
		kind = domain.ProofFacilitator
		key = ProofKey(proof)
	}

	unlock := g.locks.lock(key)
	defer unlock()

	log := g.log.With("proof_key", key, "proof_kind", string(kind))

	seen, err := g.ledger.Seen(ctx, key)
	if err != nil {
		g.decision("error")
		log.Error("proof ledger lookup failed", "error", err)
		return nil, domain.Fail(domain.ErrStoreUnavailable, "proof ledger lookup failed", err)
	}
	if seen {
		g.decision("replayed")
		log.Info("payment replay rejected")
		return nil, domain.Fail(domain.ErrPaymentReplayed, "", nil)
	}

	var auth *domain.Authorization
	if kind == domain.ProofOnchain {
		auth, err = g.checkOnchain(ctx, log, proof, req)
	} else {
		auth, err = g.verifyAndSettle(ctx, log, proof, req)
	}
	if err != nil {
		return nil, err
	}
	auth.ProofKey = key
	auth.Kind = kind

	// Recorded before the action runs; a client that went away after
	// settlement must not leave the key unrecorded.
	if err := g.ledger.Consume(context.WithoutCancel(ctx), key, g.now()); err != nil {
		if errors.Is(err, store.ErrProofConsumed) {
			g.decision("replayed")
			log.Warn("proof consumed concurrently by another instance")
			return nil, domain.Fail(domain.ErrPaymentReplayed, "", nil)
		}
		g.decision("error")
		log.Error("settled proof could not be recorded", "error", err, "transaction", auth.Transaction)
		return nil, domain.Fail(domain.ErrStoreUnavailable, "proof ledger write failed", err)
	}
	if kind == domain.ProofFacilitator {
		if err := g.consumeSettlement(ctx, log, auth.Transaction); err != nil {
			return nil, err
		}
	}

	g.decision("authorized")
	log.Info("payment authorized", "payer", auth.Payer, "transaction", auth.Transaction)
	return auth, nil
}

// consumeSettlement records the settlement transaction under its tx-hash key
// so the same transfer cannot be presented again as a transaction-hash proof.
func (g *Gate) consumeSettlement(ctx context.Context, log *slog.Logger, tx string) error {
	key, ok := OnchainProofKey(tx)
	if !ok {
		return nil
	}
	unlock := g.locks.lock(key)
	defer unlock()

	err := g.ledger.Consume(context.WithoutCancel(ctx), key, g.now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrProofConsumed):
		g.decision("replayed")
		log.Warn("settlement transaction already used as a proof", "transaction", key)
		return domain.Fail(domain.ErrPaymentReplayed, "", nil)
	default:
		g.decision("error")
		log.Error("settlement transaction could not be recorded", "error", err, "transaction", key)
		return domain.Fail(domain.ErrStoreUnavailable, "proof ledger write failed", err)
	}
}

func (g *Gate) verifyAndSettle(ctx context.Context, log *slog.Logger, proof string, req domain.PaymentRequirement) (*domain.Authorization, error) {
	vctx, cancel := context.WithTimeout(ctx, g.verifyTimeout)
	timer := prometheus.NewTimer(metrics.FacilitatorLatency.WithLabelValues("verify"))
	verified, err := g.facilitator.Verify(vctx, proof, req)
	timer.ObserveDuration()
	cancel()

	if err != nil {
		outcome, detail := classifyCallError(vctx, err, "verification")
		metrics.FacilitatorCalls.WithLabelValues("verify", outcome).Inc()
		g.decision("invalid")
		log.Warn("payment verification failed", "error", err)
		return nil, domain.Fail(domain.ErrPaymentInvalid, detail, err)
	}
	if !verified.IsValid {
		metrics.FacilitatorCalls.WithLabelValues("verify", "rejected").Inc()
		g.decision("invalid")
		log.Warn("payment rejected by facilitator", "reason", verified.InvalidReason)
		return nil, domain.Fail(domain.ErrPaymentInvalid, verified.InvalidReason, nil)
	}
	metrics.FacilitatorCalls.WithLabelValues("verify", "ok").Inc()

	// settlement moves funds; it runs to completion even if the caller left
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.settleTimeout)
	timer = prometheus.NewTimer(metrics.FacilitatorLatency.WithLabelValues("settle"))
	settled, err := g.facilitator.Settle(sctx, proof, req)
	timer.ObserveDuration()
	cancel()

	if err != nil || !settled.Success {
		var detail string
		outcome := "rejected"
		if err != nil {
			outcome, detail = classifyCallError(sctx, err, "settlement")
		} else {
			detail = settled.ErrorReason
		}
		metrics.FacilitatorCalls.WithLabelValues("settle", outcome).Inc()
		g.decision("settlement_failed")
		// Verified but not settled: funds may be in flight.
		log.Error("payment settlement failed after verification", "error", err, "reason", detail)
		return nil, domain.Fail(domain.ErrSettlementFailed, detail, err)
	}
	metrics.FacilitatorCalls.WithLabelValues("settle", "ok").Inc()

	header, err := settled.EncodeHeader()
	if err != nil {
		log.Warn("could not encode settlement header", "error", err)
	}

	payer := settled.Payer
	if payer == "" {
		payer = verified.Payer
	}
	if payer == "" {
		if p, err := DecodePayload(proof); err == nil {
			payer = p.Payer()
		}
	}
	return &domain.Authorization{
		Payer:            payer,
		Transaction:      settled.Transaction,
		Network:          settled.Network,
		SettlementHeader: header,
	}, nil
}

func (g *Gate) checkOnchain(ctx context.Context, log *slog.Logger, txHash string, req domain.PaymentRequirement) (*domain.Authorization, error) {
	vctx, cancel := context.WithTimeout(ctx, g.verifyTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.FacilitatorLatency.WithLabelValues("onchain"))
	payer, err := g.onchain.Verify(vctx, txHash, req)
	timer.ObserveDuration()
	if err != nil {
		outcome, detail := classifyCallError(vctx, err, "verification")
		if errors.Is(err, ErrTransferNotFound) || errors.Is(err, ErrTxNotIncluded) || errors.Is(err, ErrTxFailed) {
			outcome, detail = "rejected", err.Error()
		}
		metrics.FacilitatorCalls.WithLabelValues("onchain", outcome).Inc()
		g.decision("invalid")
		log.Warn("on-chain payment not verified", "error", err)
		return nil, domain.Fail(domain.ErrPaymentInvalid, detail, err)
	}
	metrics.FacilitatorCalls.WithLabelValues("onchain", "ok").Inc()
	return &domain.Authorization{
		Payer:       payer,
		Transaction: txHash,
		Network:     req.Network,
	}, nil
}

func (g *Gate) decision(outcome string) {
	metrics.GateDecisions.WithLabelValues(outcome).Inc()
}

// classifyCallError returns the metric outcome and the caller-facing detail
// for a failed facilitator round trip.
func classifyCallError(ctx context.Context, err error, what string) (string, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout", what + " timed out"
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Detail != "" {
			return "rejected", se.Detail
		}
		return "rejected", what + " rejected"
	}
	return "error", "facilitator unreachable"
}

// keyLocks serializes work per proof key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/punchamoorthee/ledgergate/internal/chain"
	"github.com/punchamoorthee/ledgergate/internal/domain"
	"github.com/punchamoorthee/ledgergate/internal/logging"
	"github.com/punchamoorthee/ledgergate/internal/metrics"
	"github.com/punchamoorthee/ledgergate/internal/payment"
	"github.com/punchamoorthee/ledgergate/internal/store"
	"github.com/punchamoorthee/ledgergate/internal/submitter"
	"github.com/punchamoorthee/ledgergate/internal/watcher"
)

type Gate interface {
	Authorize(ctx context.Context, proof string, kind domain.ProofKind, req domain.PaymentRequirement) (*domain.Authorization, error)
}

type Submitter interface {
	Submit(ctx context.Context, call chain.Call) (submitter.Submission, error)
}

type Watcher interface {
	AwaitResult(ctx context.Context, hash common.Hash, timeout time.Duration) (*watcher.Result, error)
	Check(ctx context.Context, hash common.Hash) (*watcher.Result, error)
}

// CallBuilder turns a validated request into the ledger call to sign.
type CallBuilder func(req domain.ActionRequest) (chain.Call, error)

// RegistrationCall builds register(string) calls on registry.
func RegistrationCall(registry *chain.Registry) CallBuilder {
	return func(req domain.ActionRequest) (chain.Call, error) {
		return registry.RegisterCall(chain.NewRegistration(req.Name, req.Framework))
	}
}

type Options struct {
	Pricing        payment.Pricing
	CooldownWindow time.Duration
	ReceiptTimeout time.Duration
	ExplorerURL    string
	Logger         *slog.Logger
	Now            func() time.Time
}

// ActionService runs one paid action: payment, then cooldown, then the
// ledger write, then the receipt. A denied payment never touches the
// cooldown and a throttled actor never reaches the ledger.
type ActionService struct {
	gate      Gate
	cooldowns store.CooldownLedger
	submitter Submitter
	watcher   Watcher
	build     CallBuilder
	opts      Options
	log       *slog.Logger
}

func NewActionService(gate Gate, cooldowns store.CooldownLedger, sub Submitter, w Watcher, build CallBuilder, opts Options) *ActionService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = watcher.DefaultTimeout
	}
	return &ActionService{
		gate:      gate,
		cooldowns: cooldowns,
		submitter: sub,
		watcher:   w,
		build:     build,
		opts:      opts,
		log:       logging.OrDefault(opts.Logger).With("component", "action_service"),
	}
}

// Requirement is the payment requirement for resource.
func (s *ActionService) Requirement(resource string) (domain.PaymentRequirement, error) {
	return s.opts.Pricing.Requirement(resource)
}

// ExplorerLink returns the explorer URL for an operation handle.
func (s *ActionService) ExplorerLink(handle string) string {
	if s.opts.ExplorerURL == "" || handle == "" {
		return ""
	}
	return strings.TrimRight(s.opts.ExplorerURL, "/") + "/tx/" + handle
}

// Handle executes req. Errors are *domain.Failure except for
// misconfiguration. An ErrInclusionTimeout failure carries the operation
// handle in TxHash.
func (s *ActionService) Handle(ctx context.Context, req domain.ActionRequest) (*domain.ActionResult, error) {
	log := s.log.With("actor_key", req.ActorKey, "resource", req.Resource)

	requirement, err := s.Requirement(req.Resource)
	if err != nil {
		return nil, fmt.Errorf("build payment requirement: %w", err)
	}

	auth, err := s.gate.Authorize(ctx, req.Proof, req.ProofKind, requirement)
	if err != nil {
		return nil, err
	}

	reservation, err := s.cooldowns.CheckAndReserve(ctx, req.ActorKey, s.opts.CooldownWindow, s.opts.Now())
	if err != nil {
		metrics.CooldownDecisions.WithLabelValues("error").Inc()
		log.Error("cooldown check failed after payment", "proof_key", auth.ProofKey, "error", err)
		return nil, domain.Fail(domain.ErrStoreUnavailable, "cooldown check failed", err)
	}
	if !reservation.Allowed {
		metrics.CooldownDecisions.WithLabelValues("throttled").Inc()
		log.Info("actor throttled", "retry_after", reservation.RetryAfter.String(), "proof_key", auth.ProofKey)
		f := domain.Fail(domain.ErrThrottled, "", nil)
		f.RetryAfter = reservation.RetryAfter
		return nil, f
	}
	metrics.CooldownDecisions.WithLabelValues("allowed").Inc()

	call, err := s.build(req)
	if err != nil {
		s.release(log, reservation)
		return nil, domain.Fail(domain.ErrRejected, "could not build ledger call", err)
	}

	// The caller has paid; a dropped connection must not abandon the write.
	work := context.WithoutCancel(ctx)

	sub, err := s.submitter.Submit(work, call)
	if err != nil {
		if !errors.Is(err, domain.ErrLedgerUnavailable) {
			// nothing reached the ledger
			s.release(log, reservation)
		}
		handle := ""
		if f, ok := domain.AsFailure(err); ok {
			handle = f.TxHash
		}
		log.Warn("submission failed", "proof_key", auth.ProofKey, "tx", handle, "error", err)
		return nil, err
	}
	handle := sub.Hash.Hex()
	log = log.With("tx", handle)

	result, err := s.watcher.AwaitResult(work, sub.Hash, s.opts.ReceiptTimeout)
	if err != nil {
		if f, ok := domain.AsFailure(err); ok && f.TxHash == "" {
			f.TxHash = handle
		}
		return nil, err
	}

	log.Info("action completed", "identifier", identifierString(result))
	return &domain.ActionResult{
		GeneratedIdentifier: result.Identifier,
		OperationHandle:     handle,
		ExplorerLink:        s.ExplorerLink(handle),
		Payment:             auth,
	}, nil
}

// Recheck reports the outcome of a previously returned operation handle.
func (s *ActionService) Recheck(ctx context.Context, handle string) (*domain.ActionResult, error) {
	hash := common.HexToHash(handle)
	result, err := s.watcher.Check(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &domain.ActionResult{
		GeneratedIdentifier: result.Identifier,
		OperationHandle:     hash.Hex(),
		ExplorerLink:        s.ExplorerLink(hash.Hex()),
	}, nil
}

func (s *ActionService) release(log *slog.Logger, r store.Reservation) {
	if err := s.cooldowns.Release(context.Background(), r); err != nil {
		log.Error("cooldown release failed", "error", err)
	}
}

func identifierString(r *watcher.Result) string {
	if r.Identifier == nil {
		return ""
	}
	return r.Identifier.String()
}

package watcher

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/punchamoorthee/ledgergate/internal/domain"
	"github.com/punchamoorthee/ledgergate/internal/logging"
	"github.com/punchamoorthee/ledgergate/internal/metrics"
)

const (
	DefaultTimeout      = 2 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// RevertReasoner is implemented by sources that can explain a failed receipt.
type RevertReasoner interface {
	RevertReason(ctx context.Context, receipt *types.Receipt) (string, error)
}

// Result is an included, successful operation.
type Result struct {
	Hash        common.Hash
	BlockNumber uint64
	// Identifier is nil when no matcher found it.
	Identifier *big.Int
	MatchedBy  string
}

type Watcher struct {
	source   ReceiptSource
	matchers []Matcher
	interval time.Duration
	log      *slog.Logger
}

func New(source ReceiptSource, matchers []Matcher, interval time.Duration, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		source:   source,
		matchers: matchers,
		interval: interval,
		log:      logging.OrDefault(log).With("component", "watcher"),
	}
}

// AwaitResult polls until hash is included, ctx ends, or timeout passes.
// Errors are *domain.Failure: ErrReverted / ErrAlreadyExists for a failed
// receipt, ErrInclusionTimeout when it did not land in time.
func (w *Watcher) AwaitResult(ctx context.Context, hash common.Hash, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := w.source.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			metrics.InclusionLatency.Observe(time.Since(start).Seconds())
			return w.resolve(ctx, hash, receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
			w.log.Warn("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			metrics.Receipts.WithLabelValues("timeout").Inc()
			w.log.Warn("inclusion wait timed out", "tx", hash.Hex(), "waited", time.Since(start).String())
			f := domain.Fail(domain.ErrInclusionTimeout, "operation is still pending", lastErr)
			f.TxHash = hash.Hex()
			return nil, f
		case <-ticker.C:
		}
	}
}

// Check looks the receipt up once.
func (w *Watcher) Check(ctx context.Context, hash common.Hash) (*Result, error) {
	receipt, err := w.source.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		f := domain.Fail(domain.ErrInclusionTimeout, "operation is still pending", nil)
		f.TxHash = hash.Hex()
		return nil, f
	}
	if err != nil {
		return nil, domain.Fail(domain.ErrLedgerUnavailable, "receipt lookup failed", err)
	}
	return w.resolve(ctx, hash, receipt)
}

func (w *Watcher) resolve(ctx context.Context, hash common.Hash, receipt *types.Receipt) (*Result, error) {
	log := w.log.With("tx", hash.Hex())

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := ""
		if rr, ok := w.source.(RevertReasoner); ok {
			// the wait context may be nearly spent
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			r, err := rr.RevertReason(rctx, receipt)
			cancel()
			if err != nil {
				log.Warn("revert reason unavailable", "error", err)
			}
			reason = r
		}
		metrics.Receipts.WithLabelValues("reverted").Inc()
		log.Warn("operation reverted", "reason", reason)
		f := domain.Fail(revertKind(reason), reason, nil)
		f.TxHash = hash.Hex()
		return nil, f
	}

	res := &Result{Hash: hash}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	res.Identifier, res.MatchedBy = Extract(w.matchers, receipt)
	if res.Identifier == nil {
		metrics.Receipts.WithLabelValues("unmatched").Inc()
		log.Warn("operation included without a recognised event")
	} else {
		metrics.Receipts.WithLabelValues("included").Inc()
		log.Info("operation included", "identifier", res.Identifier.String(), "matched_by", res.MatchedBy)
	}
	return res, nil
}

func revertKind(reason string) error {
	if strings.Contains(strings.ToLower(reason), "already") {
		return domain.ErrAlreadyExists
	}
	return domain.ErrReverted
}

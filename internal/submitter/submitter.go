package submitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/punchamoorthee/ledgergate/internal/chain"
	"github.com/punchamoorthee/ledgergate/internal/domain"
	"github.com/punchamoorthee/ledgergate/internal/logging"
	"github.com/punchamoorthee/ledgergate/internal/metrics"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultSendTimeout = 30 * time.Second
	DefaultQueueSize   = 256
)

// Sender signs and broadcasts calls for the operator identity.
type Sender interface {
	PendingNonce(ctx context.Context) (uint64, error)
	Send(ctx context.Context, nonce uint64, call chain.Call) (common.Hash, error)
}

// Submission is a call accepted by the ledger.
type Submission struct {
	Hash  common.Hash
	Nonce uint64
}

type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	SendTimeout time.Duration
	QueueSize   int
}

// Submitter owns the operator nonce. A single worker drains a FIFO queue, so
// only one call is ever between "nonce chosen" and "accepted by the node".
type Submitter struct {
	sender Sender
	cfg    Config
	log    *slog.Logger

	jobs chan *job
	quit chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// owned by the worker
	nonce      uint64
	nonceValid bool
}

type job struct {
	ctx    context.Context
	call   chain.Call
	result chan outcome
}

type outcome struct {
	sub Submission
	err error
}

func New(sender Sender, cfg Config, log *slog.Logger) *Submitter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Submitter{
		sender: sender,
		cfg:    cfg,
		log:    logging.OrDefault(log).With("component", "submitter"),
		jobs:   make(chan *job, cfg.QueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start primes the nonce from the ledger and starts the worker. A failed
// prime is not fatal; the worker refreshes before its first send.
func (s *Submitter) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if n, err := s.sender.PendingNonce(ctx); err != nil {
			s.log.Warn("initial nonce fetch failed", "error", err)
		} else {
			s.nonce, s.nonceValid = n, true
			s.log.Info("submitter started", "nonce", n)
		}
		go s.run()
	})
}

// Stop ends the worker after its current job. Queued jobs fail with
// ErrOperatorBusy.
func (s *Submitter) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

// Submit queues call and waits until the ledger accepted or refused it.
// Every error is a *domain.Failure.
func (s *Submitter) Submit(ctx context.Context, call chain.Call) (Submission, error) {
	j := &job{ctx: ctx, call: call, result: make(chan outcome, 1)}

	select {
	case <-s.quit:
		return Submission{}, domain.Fail(domain.ErrOperatorBusy, "submitter stopped", nil)
	case <-ctx.Done():
		return Submission{}, domain.Fail(domain.ErrOperatorBusy, "cancelled before queueing", ctx.Err())
	case s.jobs <- j:
		metrics.QueueDepth.Inc()
	}

	select {
	case o := <-j.result:
		return o.sub, o.err
	case <-ctx.Done():
		return Submission{}, domain.Fail(domain.ErrOperatorBusy, "cancelled while queued", ctx.Err())
	case <-s.done:
		select {
		case o := <-j.result:
			return o.sub, o.err
		default:
			return Submission{}, domain.Fail(domain.ErrOperatorBusy, "submitter stopped", nil)
		}
	}
}

func (s *Submitter) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.drain()
			return
		case j := <-s.jobs:
			metrics.QueueDepth.Dec()
			if err := j.ctx.Err(); err != nil {
				metrics.Submissions.WithLabelValues("dropped").Inc()
				j.result <- outcome{err: domain.Fail(domain.ErrOperatorBusy, "cancelled while queued", err)}
				continue
			}
			j.result <- s.process(j)
		}
	}
}

func (s *Submitter) drain() {
	for {
		select {
		case j := <-s.jobs:
			metrics.QueueDepth.Dec()
			j.result <- outcome{err: domain.Fail(domain.ErrOperatorBusy, "submitter stopped", nil)}
		default:
			return
		}
	}
}

func (s *Submitter) process(j *job) outcome {
	log := s.log.With("call", j.call.Label)

	for attempt := 1; ; attempt++ {
		if !s.nonceValid {
			if err := s.refresh(j.ctx); err != nil {
				metrics.Submissions.WithLabelValues("error").Inc()
				log.Error("nonce refresh failed", "error", err)
				return outcome{err: domain.Fail(domain.ErrLedgerUnavailable, "could not read operator nonce", err)}
			}
		}
		nonce := s.nonce

		ctx, cancel := context.WithTimeout(j.ctx, s.cfg.SendTimeout)
		hash, err := s.sender.Send(ctx, nonce, j.call)
		cancel()

		if err == nil {
			s.nonce++
			metrics.Submissions.WithLabelValues("sent").Inc()
			log.Info("transaction sent", "nonce", nonce, "tx", hash.Hex(), "attempt", attempt)
			return outcome{sub: Submission{Hash: hash, Nonce: nonce}}
		}

		kind := Classify(err)
		switch {
		case errors.Is(kind, ErrAlreadyKnown) && hash != (common.Hash{}):
			s.nonce++
			metrics.Submissions.WithLabelValues("sent").Inc()
			log.Info("transaction already in pool", "nonce", nonce, "tx", hash.Hex(), "attempt", attempt)
			return outcome{sub: Submission{Hash: hash, Nonce: nonce}}

		case errors.Is(kind, ErrNonceConflict):
			metrics.NonceConflicts.Inc()
			s.nonceValid = false
			log.Warn("nonce conflict", "nonce", nonce, "attempt", attempt, "error", err)
			if attempt >= s.cfg.MaxAttempts {
				metrics.Submissions.WithLabelValues("busy").Inc()
				return outcome{err: domain.Fail(domain.ErrOperatorBusy, "nonce conflicts persisted", err)}
			}
			if !s.sleep(time.Duration(attempt) * s.cfg.Backoff) {
				metrics.Submissions.WithLabelValues("busy").Inc()
				return outcome{err: domain.Fail(domain.ErrOperatorBusy, "submitter stopped", err)}
			}

		case errors.Is(kind, domain.ErrLedgerUnavailable), errors.Is(kind, ErrAlreadyKnown):
			// The node may or may not have the transaction. Re-read before the
			// next send rather than reuse this nonce.
			s.nonceValid = false
			metrics.Submissions.WithLabelValues("error").Inc()
			log.Error("send failed", "nonce", nonce, "tx", hash.Hex(), "error", err)
			f := domain.Fail(domain.ErrLedgerUnavailable, "ledger did not accept the transaction", err)
			if hash != (common.Hash{}) {
				f.TxHash = hash.Hex()
			}
			return outcome{err: f}

		default:
			metrics.Submissions.WithLabelValues("rejected").Inc()
			log.Warn("call rejected", "nonce", nonce, "kind", kind.Error(), "error", err)
			return outcome{err: domain.Fail(kind, detail(err), err)}
		}
	}
}

func (s *Submitter) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	n, err := s.sender.PendingNonce(ctx)
	if err != nil {
		return err
	}
	if n != s.nonce {
		s.log.Info("nonce resynced", "cached", s.nonce, "ledger", n)
	}
	s.nonce, s.nonceValid = n, true
	return nil
}

func (s *Submitter) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.quit:
		return false
	}
}

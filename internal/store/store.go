package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrProofConsumed is returned by Consume when the key was already recorded.
	ErrProofConsumed = errors.New("proof already consumed")
	ErrEmptyKey      = errors.New("empty key")
)

// ProofLedger is the durable set of consumed payment proofs.
type ProofLedger interface {
	Seen(ctx context.Context, proofKey string) (bool, error)
	// Consume records proofKey atomically; it fails with ErrProofConsumed if
	// the key is already present.
	Consume(ctx context.Context, proofKey string, at time.Time) error
}

// CooldownLedger is the per-actor last-action store.
type CooldownLedger interface {
	// CheckAndReserve records now as the actor's last action if the window has
	// elapsed, in a single critical section per actor.
	CheckAndReserve(ctx context.Context, actorKey string, window time.Duration, now time.Time) (Reservation, error)
	// Release undoes an allowed reservation if nothing has replaced it since.
	Release(ctx context.Context, r Reservation) error
}

// Backend is one storage engine serving both ledgers.
type Backend interface {
	ProofLedger
	CooldownLedger
	Close() error
}

// Reservation is the outcome of CheckAndReserve.
type Reservation struct {
	ActorKey   string
	Allowed    bool
	At         time.Time
	Previous   time.Time
	RetryAfter time.Duration
}

// NormalizeActor lowercases and trims an actor identity.
func NormalizeActor(actorKey string) string {
	return strings.ToLower(strings.TrimSpace(actorKey))
}

// stamp fixes the precision every backend can round-trip.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func decide(actorKey string, prev time.Time, found bool, window time.Duration, now time.Time) Reservation {
	if found {
		if elapsed := now.Sub(prev); elapsed < window {
			return Reservation{ActorKey: actorKey, Previous: prev, RetryAfter: window - elapsed}
		}
	}
	r := Reservation{ActorKey: actorKey, Allowed: true, At: now}
	if found {
		r.Previous = prev
	}
	return r
}

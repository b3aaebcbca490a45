// Package ratelimit admits or rejects deploy attempts by source address,
// using the Store as the single source of truth so admission can never
// race across instances the way an in-process counter would.
package ratelimit

import (
	"context"
	"time"

	"github.com/ctfrange/orchestrator/internal/apierr"
	"github.com/ctfrange/orchestrator/internal/store"
	"github.com/ctfrange/orchestrator/internal/telemetry"
)

// Store is the subset of *store.Store the limiter needs.
type Store interface {
	AdmitIPRequest(ctx context.Context, ipAddress string, windowStart, now int64, maxAllowed int) (admitted bool, count int, err error)
}

var _ Store = (*store.Store)(nil)

// Limiter admits or rejects a source address against a sliding window of
// max admissions. Counting and recording happen inside one Store
// transaction (see Store.AdmitIPRequest) so two concurrent admitters from
// the same source can never both squeeze past the limit.
type Limiter struct {
	store      Store
	windowSec  int64
	maxAllowed int
}

// New creates a Limiter.
func New(s Store, windowSec int64, maxAllowed int) *Limiter {
	return &Limiter{store: s, windowSec: windowSec, maxAllowed: maxAllowed}
}

// Admit checks whether ipAddress may attempt another deploy right now. A
// rejection is returned as an *apierr.Error of kind RateLimited so callers
// don't need to special-case the boolean.
func (l *Limiter) Admit(ctx context.Context, ipAddress string) error {
	telemetry.RateLimitChecksTotal.Inc()

	now := time.Now().Unix()
	windowStart := now - l.windowSec

	admitted, _, err := l.store.AdmitIPRequest(ctx, ipAddress, windowStart, now, l.maxAllowed)
	if err != nil {
		return apierr.Wrap(apierr.StoreTransient, "checking rate limit", err)
	}
	if !admitted {
		telemetry.RateLimitRejectionsTotal.Inc()
		return apierr.New(apierr.RateLimited, "rate limit exceeded")
	}
	return nil
}

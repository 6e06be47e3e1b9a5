package popbox

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// SyncStateStore persists the time of the last successful sync per scope
type SyncStateStore interface {
	LastSync(ctx context.Context, scope Scope) (time.Time, error)
	SetLastSync(ctx context.Context, scope Scope, at time.Time) error
}

// SyncGate decides whether a remote sync is due and keeps concurrent accesses
// of the same scope from syncing at the same time. One gate is shared by all
// accesses of a process.
type SyncGate struct {
	store     SyncStateStore
	frequency time.Duration
	now       func() time.Time
	group     singleflight.Group
}

// NewSyncGate creates a gate that lets a sync through once per frequency
func NewSyncGate(store SyncStateStore, frequency time.Duration) *SyncGate {
	return &SyncGate{
		store:     store,
		frequency: frequency,
		now:       time.Now,
	}
}

// Due reports whether more than the frequency has elapsed since the last sync
func (g *SyncGate) Due(ctx context.Context, scope Scope) (bool, error) {
	last, err := g.store.LastSync(ctx, scope)
	if err != nil {
		return false, persistenceError("load last sync", err)
	}
	if last.IsZero() || g.frequency <= 0 {
		return true, nil
	}
	return g.now().Sub(last) > g.frequency, nil
}

// Run calls fn when a sync is due and records its success. Callers arriving
// while a sync of the same scope is in flight wait for it and share its result.
// The shared sync runs detached from the cancellation of the caller that
// started it, so cancelling that caller does not fail the waiters.
func (g *SyncGate) Run(ctx context.Context, scope Scope, fn func(ctx context.Context) error) (bool, error) {
	key := fmt.Sprintf("%d/%d", scope.ContextID, scope.UserID)
	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		due, err := g.Due(ctx, scope)
		if err != nil || !due {
			return false, err
		}
		if err := fn(ctx); err != nil {
			return true, err
		}
		return true, persistenceError("store last sync", g.store.SetLastSync(ctx, scope, g.now()))
	})

	ran, _ := v.(bool)
	return ran, err
}

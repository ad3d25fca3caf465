package record

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshInterval matches the upstream UI's polling cadence for
// catching admin-side edits while a record view is open.
const DefaultRefreshInterval = 30 * time.Second

// Refresher drives periodic refreshes for subjects with an active record
// view. On-demand refreshes (after scans and mutations) go straight through
// the Manager; the Manager's freshness guard keeps an in-flight periodic
// refresh from clobbering them.
type Refresher struct {
	manager  *Manager
	interval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewRefresher(manager *Manager, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{
		manager:  manager,
		interval: interval,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Watch starts periodic refreshes for the subject. Watching an
// already-watched subject is a no-op.
func (r *Refresher) Watch(ctx context.Context, subjectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancels[subjectID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancels[subjectID] = cancel
	slog.Debug("starting periodic record refresh", "subject_id", subjectID, "interval", r.interval)

	go r.loop(ctx, subjectID)
}

func (r *Refresher) loop(ctx context.Context, subjectID string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("stopping periodic record refresh", "subject_id", subjectID)
			return
		case <-ticker.C:
			if _, err := r.manager.Refresh(ctx, subjectID); err != nil {
				slog.Warn("periodic refresh failed", "subject_id", subjectID, "error", err)
			}
		}
	}
}

// Unwatch stops periodic refreshes for the subject. Safe to call when the
// subject was never watched.
func (r *Refresher) Unwatch(subjectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[subjectID]; ok {
		cancel()
		delete(r.cancels, subjectID)
	}
}

// Stop cancels all watches.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.cancels {
		cancel()
		delete(r.cancels, id)
	}
}

// Package record resolves the authoritative view of a subject's medical
// record from three possibly-disagreeing sources: the upstream fetch result,
// the cached last-known-good snapshot, and the persisted session flags.
package record

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go-healthscan/models"
)

// NeverUpdated is the display value used when no update time is known.
const NeverUpdated = "Never"

// ErrNoUsableData means neither the upstream, the cache, nor the scanned
// code itself yielded anything displayable.
var ErrNoUsableData = errors.New("no usable record data")

// Store is the slice of the session store the reconciler depends on. The
// concrete store lives with the daemon wiring; everything here goes through
// this interface.
type Store interface {
	Flags(ctx context.Context, subjectID string) (models.SessionFlags, error)
	SetIntakeCompleted(ctx context.Context, subjectID string) error
	// Snapshot returns the cached record and cached last-updated display
	// value, or a nil record when no snapshot exists.
	Snapshot(ctx context.Context, subjectID string) (*models.MedicalRecord, string, error)
	SaveSnapshot(ctx context.Context, subjectID string, rec models.MedicalRecord, lastUpdated string) error
}

// Fetcher fetches the authoritative record from the upstream API. Transport
// and server failures are folded into the outcome, not returned as errors.
type Fetcher interface {
	FetchRecord(ctx context.Context, subjectID string) models.FetchOutcome
}

// Reconcile merges the three sources into a display-ready view model.
//
// Priority: a Found fetch is authoritative for all record fields; its
// timestamp wins only if it does not regress behind the cached one. A failed
// or NotFound fetch falls back to the cached snapshot, else to an empty view
// model with LastUpdated "Never". The intake flag is passed through and
// never downgraded here.
func Reconcile(flags models.SessionFlags, outcome models.FetchOutcome, cached *models.MedicalRecord, cachedTS string) models.ViewModel {
	vm := models.ViewModel{
		LastUpdated:     NeverUpdated,
		Approval:        models.ApprovalPending,
		IntakeCompleted: flags.IntakeCompleted,
	}

	switch outcome.Status {
	case models.FetchFound:
		vm.MedicalRecord = *outcome.Record
		if outcome.Approval != "" {
			vm.Approval = outcome.Approval
		}
		vm.LastUpdated = resolveTimestamp(outcome.LastUpdated, cachedTS)
	default:
		if cached != nil {
			vm.MedicalRecord = *cached
			if cachedTS != "" {
				vm.LastUpdated = cachedTS
			}
		}
	}
	return vm
}

// resolveTimestamp keeps the display timestamp monotonic: a fetch that
// carries no timestamp, or an older one than the cache, does not move the
// display backwards.
func resolveTimestamp(fetched, cached string) string {
	if fetched == "" || fetched == NeverUpdated {
		if cached != "" {
			return cached
		}
		return NeverUpdated
	}
	ft, fok := parseWhen(fetched)
	ct, cok := parseWhen(cached)
	if fok && cok && ft.Before(ct) {
		return cached
	}
	return fetched
}

var whenLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseWhen(s string) (time.Time, bool) {
	for _, layout := range whenLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Manager owns the in-memory view models and serializes refresh application.
// Every refresh carries its issue time; a refresh completing after a
// later-issued one has already applied is discarded, so out-of-order
// completions can never overwrite newer data with older data.
type Manager struct {
	fetcher Fetcher
	store   Store

	mu      sync.Mutex
	views   map[string]models.ViewModel
	applied map[string]time.Time

	now func() time.Time
}

func NewManager(fetcher Fetcher, store Store) *Manager {
	return &Manager{
		fetcher: fetcher,
		store:   store,
		views:   make(map[string]models.ViewModel),
		applied: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Refresh fetches and reconciles the subject's record. On a successful
// fetch the resolved snapshot is written through to the session store so a
// later failed fetch has something to fall back to.
func (m *Manager) Refresh(ctx context.Context, subjectID string) (models.ViewModel, error) {
	issuedAt := m.now()

	flags, err := m.store.Flags(ctx, subjectID)
	if err != nil {
		slog.Warn("failed to read session flags, continuing without", "subject_id", subjectID, "error", err)
	}
	cached, cachedTS, err := m.store.Snapshot(ctx, subjectID)
	if err != nil {
		slog.Warn("failed to read cached snapshot, continuing without", "subject_id", subjectID, "error", err)
	}

	outcome := m.fetcher.FetchRecord(ctx, subjectID)
	if outcome.Status == models.FetchError {
		slog.Warn("record fetch failed, falling back", "subject_id", subjectID, "reason", outcome.Reason)
	}

	vm := Reconcile(flags, outcome, cached, cachedTS)
	return m.apply(ctx, subjectID, issuedAt, vm, outcome), nil
}

func (m *Manager) apply(ctx context.Context, subjectID string, issuedAt time.Time, vm models.ViewModel, outcome models.FetchOutcome) models.ViewModel {
	m.mu.Lock()
	if last, ok := m.applied[subjectID]; ok && last.After(issuedAt) {
		current := m.views[subjectID]
		m.mu.Unlock()
		slog.Debug("discarding stale refresh", "subject_id", subjectID, "issued_at", issuedAt)
		return current
	}
	m.applied[subjectID] = issuedAt
	m.views[subjectID] = vm
	m.mu.Unlock()

	if outcome.Status == models.FetchFound {
		if err := m.store.SaveSnapshot(ctx, subjectID, vm.MedicalRecord, vm.LastUpdated); err != nil {
			slog.Warn("failed to write snapshot through to session store", "subject_id", subjectID, "error", err)
		}
	}
	return vm
}

// View returns the current view model without refreshing.
func (m *Manager) View(subjectID string) (models.ViewModel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.views[subjectID]
	return vm, ok
}

// Forget drops the in-memory view state for a subject, for logout.
func (m *Manager) Forget(subjectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.views, subjectID)
	delete(m.applied, subjectID)
}

// Resolve turns a parsed scan payload into a view model. The fetch outcome
// resolves as usual; when the upstream yields nothing the identity carried
// in the code itself is enough to resolve the session, so the operator still
// sees who was scanned.
func (m *Manager) Resolve(ctx context.Context, p models.ParsedPayload) (models.ViewModel, error) {
	vm, err := m.Refresh(ctx, p.SubjectID)
	if err != nil {
		vm = models.ViewModel{LastUpdated: NeverUpdated, Approval: models.ApprovalPending}
	}

	if vm.FullName == "" {
		vm.SubjectID = p.SubjectID
		vm.FullName = p.FullName
		if vm.DateOfBirth == "" {
			vm.DateOfBirth = p.DateOfBirth
		}
	}
	if vm.FullName == "" && vm.SubjectID == "" {
		return vm, ErrNoUsableData
	}
	return vm, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go-healthscan/models"
)

// SessionStore persists per-subject session state: the authentication and
// intake flags plus the last-known-good record snapshot. Should be safe to
// use concurrently.
type SessionStore interface {
	// Flags returns the persisted flags for the subject. A subject that was
	// never seen yields zero-valued flags, not an error.
	Flags(ctx context.Context, subjectID string) (models.SessionFlags, error)

	// SetAuthenticated marks the subject's session as authenticated.
	SetAuthenticated(ctx context.Context, subjectID string) error

	// SetIntakeCompleted marks the intake flag. The flag is sticky: there is
	// no way to unset it short of clearing the whole session.
	SetIntakeCompleted(ctx context.Context, subjectID string) error

	// Snapshot returns the cached record and its last-updated display value,
	// or a nil record when no snapshot exists.
	Snapshot(ctx context.Context, subjectID string) (*models.MedicalRecord, string, error)

	// SaveSnapshot replaces the cached record for the subject.
	SaveSnapshot(ctx context.Context, subjectID string, rec models.MedicalRecord, lastUpdated string) error

	// Clear removes all session state for the subject in one sweep, for
	// logout. Clearing an absent session is not an error.
	Clear(ctx context.Context, subjectID string) error
}

// ------------------------------------------------------------------------------

const SessionTimeout time.Duration = 24 * time.Hour

// Per-subject key fields under one namespace so logout can clear them in a
// single DEL.
const (
	fieldAuth       = "auth"
	fieldIntake     = "intake"
	fieldSnapshot   = "snapshot"
	fieldSnapshotTS = "snapshot_ts"
)

func sessionKey(namespace, subjectID, field string) string {
	return fmt.Sprintf("%s:session:%s:%s", namespace, subjectID, field)
}

type RedisSessionStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisSessionStore(client *redis.Client, namespace string) *RedisSessionStore {
	return &RedisSessionStore{client: client, namespace: namespace}
}

func (s *RedisSessionStore) Flags(ctx context.Context, subjectID string) (models.SessionFlags, error) {
	flags := models.SessionFlags{SubjectID: subjectID}

	vals, err := s.client.MGet(ctx,
		sessionKey(s.namespace, subjectID, fieldAuth),
		sessionKey(s.namespace, subjectID, fieldIntake),
	).Result()
	if err != nil {
		return flags, fmt.Errorf("failed to read session flags: %w", err)
	}
	flags.Authenticated = vals[0] == "1"
	flags.IntakeCompleted = vals[1] == "1"
	return flags, nil
}

func (s *RedisSessionStore) SetAuthenticated(ctx context.Context, subjectID string) error {
	return s.client.Set(ctx, sessionKey(s.namespace, subjectID, fieldAuth), "1", SessionTimeout).Err()
}

func (s *RedisSessionStore) SetIntakeCompleted(ctx context.Context, subjectID string) error {
	return s.client.Set(ctx, sessionKey(s.namespace, subjectID, fieldIntake), "1", SessionTimeout).Err()
}

func (s *RedisSessionStore) Snapshot(ctx context.Context, subjectID string) (*models.MedicalRecord, string, error) {
	raw, err := s.client.Get(ctx, sessionKey(s.namespace, subjectID, fieldSnapshot)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read snapshot: %w", err)
	}

	var rec models.MedicalRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	ts, err := s.client.Get(ctx, sessionKey(s.namespace, subjectID, fieldSnapshotTS)).Result()
	if errors.Is(err, redis.Nil) {
		ts = ""
	} else if err != nil {
		return nil, "", fmt.Errorf("failed to read snapshot timestamp: %w", err)
	}
	return &rec, ts, nil
}

func (s *RedisSessionStore) SaveSnapshot(ctx context.Context, subjectID string, rec models.MedicalRecord, lastUpdated string) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(s.namespace, subjectID, fieldSnapshot), raw, SessionTimeout).Err(); err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(s.namespace, subjectID, fieldSnapshotTS), lastUpdated, SessionTimeout).Err()
}

func (s *RedisSessionStore) Clear(ctx context.Context, subjectID string) error {
	return s.client.Del(ctx,
		sessionKey(s.namespace, subjectID, fieldAuth),
		sessionKey(s.namespace, subjectID, fieldIntake),
		sessionKey(s.namespace, subjectID, fieldSnapshot),
		sessionKey(s.namespace, subjectID, fieldSnapshotTS),
	).Err()
}

// ------------------------------------------------------------------------------

type snapshotEntry struct {
	record      models.MedicalRecord
	lastUpdated string
}

type InMemorySessionStore struct {
	mutex     sync.Mutex
	flags     map[string]models.SessionFlags
	snapshots map[string]snapshotEntry
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		flags:     make(map[string]models.SessionFlags),
		snapshots: make(map[string]snapshotEntry),
	}
}

func (s *InMemorySessionStore) Flags(_ context.Context, subjectID string) (models.SessionFlags, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	flags := s.flags[subjectID]
	flags.SubjectID = subjectID
	return flags, nil
}

func (s *InMemorySessionStore) SetAuthenticated(_ context.Context, subjectID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	flags := s.flags[subjectID]
	flags.SubjectID = subjectID
	flags.Authenticated = true
	s.flags[subjectID] = flags
	return nil
}

func (s *InMemorySessionStore) SetIntakeCompleted(_ context.Context, subjectID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	flags := s.flags[subjectID]
	flags.SubjectID = subjectID
	flags.IntakeCompleted = true
	s.flags[subjectID] = flags
	return nil
}

func (s *InMemorySessionStore) Snapshot(_ context.Context, subjectID string) (*models.MedicalRecord, string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, ok := s.snapshots[subjectID]
	if !ok {
		return nil, "", nil
	}
	rec := entry.record
	return &rec, entry.lastUpdated, nil
}

func (s *InMemorySessionStore) SaveSnapshot(_ context.Context, subjectID string, rec models.MedicalRecord, lastUpdated string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.snapshots[subjectID] = snapshotEntry{record: rec, lastUpdated: lastUpdated}
	return nil
}

func (s *InMemorySessionStore) Clear(_ context.Context, subjectID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.flags, subjectID)
	delete(s.snapshots, subjectID)
	return nil
}

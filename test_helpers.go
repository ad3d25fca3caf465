package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-healthscan/activity"
	"go-healthscan/models"
	"go-healthscan/qr"
	"go-healthscan/record"
)

// fakeUpstream is an in-process stand-in for the upstream medical API.
type fakeUpstream struct {
	mu sync.Mutex

	fetch     models.FetchOutcome
	update    models.UpdateOutcome
	lookupID  string
	lookupErr error
	users     []models.UserSummary
	logs      []models.ActivityLogEntry

	submitted  []models.RecordDelta
	activities []models.ActivityLogEntry
	approved   []string
	unapproved []string
	deleted    []string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		fetch:  models.FetchOutcome{Status: models.FetchNotFound},
		update: models.UpdateOutcome{Class: models.UpdateOK},
	}
}

func (f *fakeUpstream) FetchRecord(context.Context, string) models.FetchOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetch
}

func (f *fakeUpstream) SubmitRecord(_ context.Context, _ string, delta models.RecordDelta) models.UpdateOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, delta)
	return f.update
}

func (f *fakeUpstream) FindSubjectByAttributes(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupID, f.lookupErr
}

func (f *fakeUpstream) ListUsers(context.Context) ([]models.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users, nil
}

func (f *fakeUpstream) ApproveUser(_ context.Context, subjectID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, subjectID)
	return nil
}

func (f *fakeUpstream) UnapproveUser(_ context.Context, subjectID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unapproved = append(f.unapproved, subjectID)
	return nil
}

func (f *fakeUpstream) DeleteUser(_ context.Context, subjectID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, subjectID)
	return nil
}

func (f *fakeUpstream) LogActivity(_ context.Context, entry models.ActivityLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, entry)
	return nil
}

func (f *fakeUpstream) ActivityLogs(context.Context) ([]models.ActivityLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeUpstream) loggedActivities() []models.ActivityLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ActivityLogEntry(nil), f.activities...)
}

func (f *fakeUpstream) setFetch(outcome models.FetchOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetch = outcome
}

// newTestState wires a full server state around the given upstream with an
// in-memory session store.
func newTestState(t *testing.T, api MedicalAPIClient) (*ServerState, *InMemorySessionStore) {
	t.Helper()

	store := NewInMemorySessionStore()
	manager := record.NewManager(api, store)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	state := &ServerState{
		apiClient:    api,
		sessionStore: store,
		manager:      manager,
		mutator:      record.NewMutator(api, manager, store),
		refresher:    record.NewRefresher(manager, time.Minute),
		decoder:      qr.NewDecoder(),
		activityLog:  activity.NewLogger(api, "admin-1", "Alice Admin"),
		rootCtx:      ctx,
	}
	t.Cleanup(state.refresher.Stop)
	return state, store
}

func startTestServer(t *testing.T, api MedicalAPIClient) (*httptest.Server, *ServerState, *InMemorySessionStore) {
	t.Helper()

	state, store := newTestState(t, api)
	srv := httptest.NewServer(newRouter(state))
	t.Cleanup(srv.Close)
	return srv, state, store
}

func doRequest(t *testing.T, method, url string, payload any) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, respBody
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	resp, respBody := doRequest(t, http.MethodPost, url, payload)
	var v T
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func getJSON[T any](t *testing.T, url string) (*http.Response, []byte, *T) {
	t.Helper()

	resp, respBody := doRequest(t, http.MethodGet, url, nil)
	var v T
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func decodeBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

func foundOutcome(rec models.MedicalRecord, ts string) models.FetchOutcome {
	return models.FetchOutcome{
		Status:      models.FetchFound,
		Record:      &rec,
		LastUpdated: ts,
		Approval:    models.ApprovalApproved,
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-healthscan/models"
)

func TestFetchRecordUnwrapsEnvelope(t *testing.T) {
	var sawAuth, sawCacheBust atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(r.Header.Get("Authorization") == "Bearer test-token")
		sawCacheBust.Store(r.URL.Query().Get("t") != "")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"exists": true,
			"user": {"user_id":"42","full_name":"Jane Doe","blood_type":"O+"},
			"updated_at": "2024-01-01T10:00:00Z",
			"approved": true
		}`))
	}))
	defer upstream.Close()

	client := NewHealthScanClient(upstream.URL, "test-token")
	outcome := client.FetchRecord(context.Background(), "42")

	require.Equal(t, models.FetchFound, outcome.Status)
	require.Equal(t, "Jane Doe", outcome.Record.FullName)
	require.Equal(t, "O+", outcome.Record.BloodType)
	require.Equal(t, "2024-01-01T10:00:00Z", outcome.LastUpdated)
	require.Equal(t, models.ApprovalApproved, outcome.Approval)
	require.True(t, sawAuth.Load())
	require.True(t, sawCacheBust.Load())
}

func TestFetchRecordBareBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"full_name":"Jane Doe","lastUpdated":"2024-01-01T10:00:00Z"}`))
	}))
	defer upstream.Close()

	client := NewHealthScanClient(upstream.URL, "")
	outcome := client.FetchRecord(context.Background(), "42")

	require.Equal(t, models.FetchFound, outcome.Status)
	// The record carried no id of its own; the requested one fills in.
	require.Equal(t, "42", outcome.Record.SubjectID)
	require.Equal(t, models.ApprovalPending, outcome.Approval)
}

func TestFetchRecordNotFoundVariants(t *testing.T) {
	byStatus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer byStatus.Close()
	require.Equal(t, models.FetchNotFound, NewHealthScanClient(byStatus.URL, "").FetchRecord(context.Background(), "42").Status)

	byFlag := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"exists": false}`))
	}))
	defer byFlag.Close()
	require.Equal(t, models.FetchNotFound, NewHealthScanClient(byFlag.URL, "").FetchRecord(context.Background(), "42").Status)
}

func TestFetchRecordUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	outcome := NewHealthScanClient(upstream.URL, "").FetchRecord(context.Background(), "42")
	require.Equal(t, models.FetchError, outcome.Status)
	require.Equal(t, "unreachable", outcome.Reason)
}

func TestFetchRecordExpiredTokenShortCircuits(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	client := NewHealthScanClient(upstream.URL, signedToken(t, time.Now().Add(-time.Hour)))
	outcome := client.FetchRecord(context.Background(), "42")

	require.Equal(t, models.FetchError, outcome.Status)
	require.Equal(t, "token expired", outcome.Reason)
	require.Zero(t, hits.Load())
}

func TestSubmitRecordSendsTimestampAndAdmin(t *testing.T) {
	var method, path string
	var body map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"success": true, "lastUpdated": "2024-02-01T00:00:00Z"}`))
	}))
	defer upstream.Close()

	client := NewHealthScanClient(upstream.URL, "")
	delta := models.RecordDelta{
		MedicalRecord: models.MedicalRecord{SubjectID: "42", FullName: "Jane Doe", BloodType: "O+"},
		AdminID:       "admin-1",
	}
	outcome := client.SubmitRecord(context.Background(), "42", delta)

	require.Equal(t, models.UpdateOK, outcome.Class)
	require.Equal(t, "2024-02-01T00:00:00Z", outcome.LastUpdated)
	require.Equal(t, http.MethodPut, method)
	require.Equal(t, "/api/admin/update-medical/42", path)
	require.Equal(t, "Jane Doe", body["full_name"])
	require.Equal(t, "admin-1", body["admin_id"])
	require.NotEmpty(t, body["lastUpdated"])
}

func TestSubmitRecordAcceptsFalseNegativeShape(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "message": "medical info updated successfully"}`))
	}))
	defer upstream.Close()

	outcome := NewHealthScanClient(upstream.URL, "").SubmitRecord(context.Background(), "42", models.RecordDelta{})
	require.Equal(t, models.UpdateOK, outcome.Class)
}

func TestSubmitRecordClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		class  models.UpdateClass
	}{
		{http.StatusNotFound, models.UpdateNotFound},
		{http.StatusBadRequest, models.UpdateBadRequest},
		{http.StatusUnauthorized, models.UpdatePermissionDenied},
		{http.StatusForbidden, models.UpdatePermissionDenied},
		{http.StatusInternalServerError, models.UpdateServerError},
	}

	for _, tc := range cases {
		status := tc.status
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		outcome := NewHealthScanClient(upstream.URL, "").SubmitRecord(context.Background(), "42", models.RecordDelta{})
		require.Equal(t, tc.class, outcome.Class, "status %d", tc.status)
		upstream.Close()
	}
}

func TestSubmitRecordRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "message": "validation error"}`))
	}))
	defer upstream.Close()

	outcome := NewHealthScanClient(upstream.URL, "").SubmitRecord(context.Background(), "42", models.RecordDelta{})
	require.Equal(t, models.UpdateRejected, outcome.Class)
	require.Equal(t, "validation error", outcome.Message)
}

func TestFindSubjectByAttributes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/admin/find-user-by-medical", r.URL.Path)
		w.Write([]byte(`{"user_id": 42}`))
	}))
	defer upstream.Close()

	id, err := NewHealthScanClient(upstream.URL, "").FindSubjectByAttributes(context.Background(), "Jane Doe", "1990-01-15")
	require.NoError(t, err)
	require.Equal(t, "42", id)
}

func TestFindSubjectNoMatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	_, err := NewHealthScanClient(upstream.URL, "").FindSubjectByAttributes(context.Background(), "Jane Doe", "")
	require.Error(t, err)
}

func TestListUsersShapes(t *testing.T) {
	wrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"users":[{"user_id":"42","full_name":"Jane Doe","approved":true}]}`))
	}))
	defer wrapped.Close()

	users, err := NewHealthScanClient(wrapped.URL, "").ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, models.ApprovalApproved, users[0].Approval)

	bare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"user_id":"43","full_name":"John Roe"}]`))
	}))
	defer bare.Close()

	users, err = NewHealthScanClient(bare.URL, "").ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, models.ApprovalPending, users[0].Approval)
}

func TestActivityLogsFallbackRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/activity-logs":
			w.WriteHeader(http.StatusNotFound)
		case "/api/admin/logs":
			w.Write([]byte(`{"logs":[{"action":"SCAN","description":"Scanned medical QR for: Jane Doe"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	entries, err := NewHealthScanClient(upstream.URL, "").ActivityLogs(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "SCAN", entries[0].Action)
}

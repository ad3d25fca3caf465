package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"go-healthscan/models"
	"go-healthscan/payload"
	"go-healthscan/qr"
)

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := startTestServer(t, newFakeUpstream())

	resp, body, decoded := getJSON[map[string]bool](t, srv.URL+"/api/health")
	mustStatus(t, resp, http.StatusOK, body)
	require.True(t, (*decoded)["ok"])
}

func TestGenerateQRRoundTrip(t *testing.T) {
	srv, _, _ := startTestServer(t, newFakeUpstream())

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/api/qr/42?name=Jane+Doe&size=256", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)

	code, err := qr.NewDecoder().Decode(img)
	require.NoError(t, err)
	parsed, err := payload.Parse(code.RawText)
	require.NoError(t, err)
	require.Equal(t, "42", parsed.SubjectID)
	require.Equal(t, "Jane Doe", parsed.FullName)
}

func TestGenerateQRRejectsBadSize(t *testing.T) {
	srv, _, _ := startTestServer(t, newFakeUpstream())

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/api/qr/42?size=huge", nil)
	mustStatus(t, resp, http.StatusBadRequest, body)
}

func qrPNG(t *testing.T, subjectID, name string) []byte {
	t.Helper()
	code, err := qr.Encode(models.IdentityPayload{SubjectID: subjectID, DisplayName: name})
	require.NoError(t, err)
	data, err := code.PNG(512)
	require.NoError(t, err)
	return data
}

func TestScanImageResolvesRecord(t *testing.T) {
	api := newFakeUpstream()
	api.setFetch(foundOutcome(models.MedicalRecord{
		SubjectID: "42",
		FullName:  "Jane Doe",
		BloodType: "O+",
	}, "2024-01-01T10:00:00Z"))
	srv, _, _ := startTestServer(t, api)

	resp, err := http.Post(srv.URL+"/api/scan-image", "image/png", bytes.NewReader(qrPNG(t, "42", "Jane Doe")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var outcome models.ScanOutcome
	require.NoError(t, decodeBody(resp, &outcome))
	require.Equal(t, models.ScanStatusSuccess, outcome.Status)
	require.NotNil(t, outcome.ViewModel)
	require.Equal(t, "42", outcome.ViewModel.SubjectID)
	require.Equal(t, "O+", outcome.ViewModel.BloodType)
	require.Equal(t, "2024-01-01T10:00:00Z", outcome.ViewModel.LastUpdated)

	activities := api.loggedActivities()
	require.Len(t, activities, 1)
	require.Equal(t, "SCAN", activities[0].Action)
	require.Equal(t, "Scanned medical QR for: Jane Doe", activities[0].Description)
}

func TestScanImageWithoutCode(t *testing.T) {
	srv, _, _ := startTestServer(t, newFakeUpstream())

	blank := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			blank.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, blank))

	resp, err := http.Post(srv.URL+"/api/scan-image", "image/png", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var outcome models.ScanOutcome
	require.NoError(t, decodeBody(resp, &outcome))
	require.Equal(t, models.ScanStatusError, outcome.Status)
	require.Equal(t, "no QR code found in image", outcome.Message)
}

func TestScanImageRejectsGarbage(t *testing.T) {
	srv, _, _ := startTestServer(t, newFakeUpstream())

	resp, err := http.Post(srv.URL+"/api/scan-image", "image/png", bytes.NewReader([]byte("not an image")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRecordFallsBackToCachedSnapshot(t *testing.T) {
	api := newFakeUpstream()
	api.setFetch(models.FetchOutcome{Status: models.FetchError, Reason: "unreachable"})
	srv, _, store := startTestServer(t, api)

	cached := models.MedicalRecord{SubjectID: "42", FullName: "Jane Doe", Allergies: "penicillin"}
	require.NoError(t, store.SaveSnapshot(context.Background(), "42", cached, "2024-01-01T10:00:00Z"))

	resp, body, vm := getJSON[models.ViewModel](t, srv.URL+"/api/record/42")
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "Jane Doe", vm.FullName)
	require.Equal(t, "penicillin", vm.Allergies)
	require.Equal(t, "2024-01-01T10:00:00Z", vm.LastUpdated)
}

func TestGetRecordUnknownSubject(t *testing.T) {
	srv, _, _ := startTestServer(t, newFakeUpstream())

	resp, body, vm := getJSON[models.ViewModel](t, srv.URL+"/api/record/missing")
	mustStatus(t, resp, http.StatusOK, body)
	require.Empty(t, vm.FullName)
	require.Equal(t, "Never", vm.LastUpdated)
	require.Equal(t, models.ApprovalPending, vm.Approval)
}

func TestUpdateRecordSetsIntakeFlag(t *testing.T) {
	api := newFakeUpstream()
	api.setFetch(foundOutcome(models.MedicalRecord{SubjectID: "42", FullName: "Jane Doe"}, "2024-02-01T00:00:00Z"))
	srv, _, store := startTestServer(t, api)

	delta := models.RecordDelta{MedicalRecord: models.MedicalRecord{SubjectID: "42", FullName: "Jane Doe", BloodType: "O+"}}
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/record/42", bytes.NewReader(mustMarshal(t, delta)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	flags, err := store.Flags(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, flags.IntakeCompleted)

	activities := api.loggedActivities()
	require.Len(t, activities, 1)
	require.Equal(t, "UPDATE", activities[0].Action)
}

func TestUpdateRecordUnreachableUpstream(t *testing.T) {
	api := newFakeUpstream()
	api.update = models.UpdateOutcome{Class: models.UpdateUnreachable}
	srv, _, store := startTestServer(t, api)

	delta := models.RecordDelta{MedicalRecord: models.MedicalRecord{SubjectID: "42"}}
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/record/42", bytes.NewReader(mustMarshal(t, delta)))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	flags, err := store.Flags(context.Background(), "42")
	require.NoError(t, err)
	require.False(t, flags.IntakeCompleted)
}

func TestLogoutClearsSession(t *testing.T) {
	srv, _, store := startTestServer(t, newFakeUpstream())

	ctx := context.Background()
	require.NoError(t, store.SetAuthenticated(ctx, "42"))
	require.NoError(t, store.SetIntakeCompleted(ctx, "42"))
	require.NoError(t, store.SaveSnapshot(ctx, "42", models.MedicalRecord{SubjectID: "42"}, "2024-01-01T00:00:00Z"))

	resp, body, _ := postJSON[map[string]bool](t, srv.URL+"/api/logout/42", nil)
	mustStatus(t, resp, http.StatusOK, body)

	flags, err := store.Flags(ctx, "42")
	require.NoError(t, err)
	require.False(t, flags.Authenticated)
	require.False(t, flags.IntakeCompleted)

	snap, _, err := store.Snapshot(ctx, "42")
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestAdminListUsers(t *testing.T) {
	api := newFakeUpstream()
	api.users = []models.UserSummary{
		{SubjectID: "42", FullName: "Jane Doe", Approval: models.ApprovalApproved},
		{SubjectID: "43", FullName: "John Roe", Approval: models.ApprovalPending},
	}
	srv, _, _ := startTestServer(t, api)

	type listing struct {
		Users []models.UserSummary `json:"users"`
	}
	resp, body, decoded := getJSON[listing](t, srv.URL+"/api/admin/users")
	mustStatus(t, resp, http.StatusOK, body)
	require.Len(t, decoded.Users, 2)
	require.Equal(t, "Jane Doe", decoded.Users[0].FullName)
}

func TestAdminApprovalActions(t *testing.T) {
	api := newFakeUpstream()
	srv, _, _ := startTestServer(t, api)

	resp, body, _ := postJSON[map[string]bool](t, srv.URL+"/api/admin/users/42/approve",
		adminActionRequest{AdminID: "admin-1", FullName: "Jane Doe"})
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, []string{"42"}, api.approved)

	resp, body, _ = postJSON[map[string]bool](t, srv.URL+"/api/admin/users/42/unapprove",
		adminActionRequest{AdminID: "admin-1", FullName: "Jane Doe"})
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, []string{"42"}, api.unapproved)

	activities := api.loggedActivities()
	require.Len(t, activities, 2)
	require.Equal(t, "APPROVE", activities[0].Action)
	require.Equal(t, "Approved Jane Doe", activities[0].Description)
	require.Equal(t, "UNAPPROVE", activities[1].Action)
}

func TestAdminDeleteUserClearsSession(t *testing.T) {
	api := newFakeUpstream()
	srv, _, store := startTestServer(t, api)

	require.NoError(t, store.SetIntakeCompleted(context.Background(), "42"))

	resp, body := doRequest(t, http.MethodDelete, srv.URL+"/api/admin/users/42",
		adminActionRequest{AdminID: "admin-1", FullName: "Jane Doe"})
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, []string{"42"}, api.deleted)

	flags, err := store.Flags(context.Background(), "42")
	require.NoError(t, err)
	require.False(t, flags.IntakeCompleted)
}

func TestAdminFindSubject(t *testing.T) {
	api := newFakeUpstream()
	api.lookupID = "42"
	srv, _, _ := startTestServer(t, api)

	resp, body, decoded := postJSON[map[string]string](t, srv.URL+"/api/admin/find-subject",
		findSubjectRequest{FullName: "Jane Doe", DateOfBirth: "1990-01-15"})
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, "42", (*decoded)["user_id"])
}

func TestAdminActivityLogs(t *testing.T) {
	api := newFakeUpstream()
	api.logs = []models.ActivityLogEntry{{Action: "SCAN", Description: "Scanned medical QR for: Jane Doe"}}
	srv, _, _ := startTestServer(t, api)

	type listing struct {
		Logs []models.ActivityLogEntry `json:"logs"`
	}
	resp, body, decoded := getJSON[listing](t, srv.URL+"/api/admin/activity-logs")
	mustStatus(t, resp, http.StatusOK, body)
	require.Len(t, decoded.Logs, 1)
}

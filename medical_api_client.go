package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go-healthscan/models"
	"go-healthscan/payload"
)

// MedicalAPIClient defines the operations against the upstream medical API.
// Fetch and submit fold transport and server failures into their outcome
// values; the admin operations return plain errors.
type MedicalAPIClient interface {
	// FetchRecord retrieves the subject's record. Never returns an error:
	// failures come back as a FetchError outcome so callers can fall back to
	// cached data.
	FetchRecord(ctx context.Context, subjectID string) models.FetchOutcome

	// SubmitRecord sends edited record fields upstream and classifies the
	// response.
	SubmitRecord(ctx context.Context, subjectID string, delta models.RecordDelta) models.UpdateOutcome

	// FindSubjectByAttributes resolves a subject id from name and date of
	// birth, for scans whose payload carried no id.
	FindSubjectByAttributes(ctx context.Context, fullName, dob string) (string, error)

	ListUsers(ctx context.Context) ([]models.UserSummary, error)
	ApproveUser(ctx context.Context, subjectID, adminID string) error
	UnapproveUser(ctx context.Context, subjectID, adminID string) error
	DeleteUser(ctx context.Context, subjectID, adminID string) error

	LogActivity(ctx context.Context, entry models.ActivityLogEntry) error
	ActivityLogs(ctx context.Context) ([]models.ActivityLogEntry, error)
}

// HealthScanClient implements MedicalAPIClient against the upstream HTTP API.
type HealthScanClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	now        func() time.Time
}

func NewHealthScanClient(baseURL, token string) *HealthScanClient {
	return &HealthScanClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

func (c *HealthScanClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// FetchRecord retrieves the record with a cache-busting timestamp query so
// intermediaries cannot serve a stale copy.
func (c *HealthScanClient) FetchRecord(ctx context.Context, subjectID string) models.FetchOutcome {
	if tokenExpired(c.token, c.now()) {
		return models.FetchOutcome{Status: models.FetchError, Reason: "token expired"}
	}

	path := fmt.Sprintf("/api/medical/%s?t=%d", subjectID, c.now().UnixMilli())
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return models.FetchOutcome{Status: models.FetchError, Reason: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.FetchOutcome{Status: models.FetchError, Reason: "unreachable"}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.FetchOutcome{Status: models.FetchNotFound}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.FetchOutcome{Status: models.FetchError, Reason: "permission denied"}
	case resp.StatusCode >= 500:
		return models.FetchOutcome{Status: models.FetchError, Reason: fmt.Sprintf("server error %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return models.FetchOutcome{Status: models.FetchError, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.FetchOutcome{Status: models.FetchError, Reason: "failed to read response"}
	}
	return parseFetchBody(subjectID, raw)
}

// parseFetchBody tolerates the response shapes the upstream has used over
// time: a bare record object, or the record wrapped under "user", "data" or
// "record", with an optional "exists" flag.
func parseFetchBody(subjectID string, raw []byte) models.FetchOutcome {
	if exists, present := payload.Bool(raw, "exists"); present && !exists {
		return models.FetchOutcome{Status: models.FetchNotFound}
	}

	var envelope map[string]json.RawMessage
	recordRaw := raw
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return models.FetchOutcome{Status: models.FetchError, Reason: "unparseable response"}
	}
	for _, key := range []string{"user", "data", "record"} {
		if inner, ok := envelope[key]; ok && len(inner) > 0 && inner[0] == '{' {
			recordRaw = inner
			break
		}
	}

	var rec models.MedicalRecord
	if err := json.Unmarshal(recordRaw, &rec); err != nil {
		return models.FetchOutcome{Status: models.FetchError, Reason: "unparseable record"}
	}
	if rec.SubjectID == "" {
		rec.SubjectID = subjectID
	}

	outcome := models.FetchOutcome{Status: models.FetchFound, Record: &rec}
	if ts, ok := payload.FirstTimestamp(raw); ok {
		outcome.LastUpdated = ts
	}
	if approved, present := payload.Bool(raw, "approved"); present && approved {
		outcome.Approval = models.ApprovalApproved
	} else if state, ok := payload.FirstString(raw, "approval_state"); ok && state == string(models.ApprovalApproved) {
		outcome.Approval = models.ApprovalApproved
	} else {
		outcome.Approval = models.ApprovalPending
	}
	return outcome
}

// SubmitRecord sends the delta and classifies the result. A 2xx body is
// judged by the tolerant verdict rules; upstream versions have answered a
// successful update with success=false plus a success-worded message.
func (c *HealthScanClient) SubmitRecord(ctx context.Context, subjectID string, delta models.RecordDelta) models.UpdateOutcome {
	if tokenExpired(c.token, c.now()) {
		return models.UpdateOutcome{Class: models.UpdatePermissionDenied, Message: "token expired"}
	}

	sentAt := c.now().UTC().Format(time.RFC3339)
	body := map[string]any{
		"user_id":           delta.SubjectID,
		"full_name":         delta.FullName,
		"dob":               delta.DateOfBirth,
		"blood_type":        delta.BloodType,
		"address":           delta.Address,
		"allergies":         delta.Allergies,
		"medications":       delta.Medications,
		"conditions":        delta.Conditions,
		"emergency_contact": delta.EmergencyContact,
		"lastUpdated":       sentAt,
	}
	if delta.PhotoURL != "" {
		body["photo_url"] = delta.PhotoURL
	}
	if delta.AdminID != "" {
		body["admin_id"] = delta.AdminID
	}

	req, err := c.newRequest(ctx, http.MethodPut, "/api/admin/update-medical/"+subjectID, body)
	if err != nil {
		return models.UpdateOutcome{Class: models.UpdateBadRequest, Message: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.UpdateOutcome{Class: models.UpdateUnreachable, Message: "unreachable"}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.UpdateOutcome{Class: models.UpdateNotFound}
	case resp.StatusCode == http.StatusBadRequest:
		return models.UpdateOutcome{Class: models.UpdateBadRequest}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.UpdateOutcome{Class: models.UpdatePermissionDenied}
	case resp.StatusCode >= 500:
		return models.UpdateOutcome{Class: models.UpdateServerError}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.UpdateOutcome{Class: models.UpdateServerError, Message: "failed to read response"}
	}

	verdict := payload.ClassifyUpdate(raw)
	if !verdict.Success {
		msg := verdict.Message
		if msg == "" {
			msg = "update not acknowledged"
		}
		return models.UpdateOutcome{Class: models.UpdateRejected, Message: msg}
	}
	if verdict.Compatibility {
		slog.Warn("upstream answered an acknowledged update with success=false", "subject_id", subjectID, "message", verdict.Message)
	}

	lastUpdated := sentAt
	if ts, ok := payload.FirstTimestamp(raw); ok {
		lastUpdated = ts
	}
	return models.UpdateOutcome{Class: models.UpdateOK, Message: verdict.Message, LastUpdated: lastUpdated}
}

func (c *HealthScanClient) FindSubjectByAttributes(ctx context.Context, fullName, dob string) (string, error) {
	body := map[string]string{"full_name": fullName, "dob": dob}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/admin/find-user-by-medical", body)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute subject lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("subject lookup failed with status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read lookup response: %w", err)
	}
	if id, ok := payload.FirstString(raw, "user_id", "id"); ok {
		return id, nil
	}
	return "", fmt.Errorf("no subject matches %q", fullName)
}

// userRow tolerates both the approval_state string and the older bare
// approved flag.
type userRow struct {
	models.UserSummary
	Approved *bool `json:"approved"`
}

func (c *HealthScanClient) ListUsers(ctx context.Context) ([]models.UserSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/admin/users", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute user listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user listing failed with status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user listing: %w", err)
	}

	// Either {"users": [...]} or a bare array.
	var wrapped struct {
		Users []userRow `json:"users"`
	}
	var rows []userRow
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Users != nil {
		rows = wrapped.Users
	} else if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user listing: %w", err)
	}

	users := make([]models.UserSummary, 0, len(rows))
	for _, row := range rows {
		u := row.UserSummary
		if u.Approval == "" {
			u.Approval = models.ApprovalPending
			if row.Approved != nil && *row.Approved {
				u.Approval = models.ApprovalApproved
			}
		}
		users = append(users, u)
	}
	return users, nil
}

func (c *HealthScanClient) ApproveUser(ctx context.Context, subjectID, adminID string) error {
	return c.postAdminAction(ctx, "/api/admin/approve-user", subjectID, adminID)
}

func (c *HealthScanClient) UnapproveUser(ctx context.Context, subjectID, adminID string) error {
	return c.postAdminAction(ctx, "/api/admin/unapprove-user", subjectID, adminID)
}

func (c *HealthScanClient) postAdminAction(ctx context.Context, path, subjectID, adminID string) error {
	body := map[string]string{"user_id": subjectID, "admin_id": adminID}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute admin action: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("admin action failed with status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}

func (c *HealthScanClient) DeleteUser(ctx context.Context, subjectID, adminID string) error {
	body := map[string]string{"admin_id": adminID}
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/admin/delete-user/"+subjectID, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute user deletion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("user deletion failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *HealthScanClient) LogActivity(ctx context.Context, entry models.ActivityLogEntry) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/admin/log-activity", entry)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post activity entry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("activity post failed with status %d", resp.StatusCode)
	}
	return nil
}

// ActivityLogs reads the admin activity log, falling back to the alternate
// route older upstream deployments expose.
func (c *HealthScanClient) ActivityLogs(ctx context.Context) ([]models.ActivityLogEntry, error) {
	entries, err := c.activityLogsFrom(ctx, "/api/admin/activity-logs")
	if err == nil {
		return entries, nil
	}
	slog.Debug("primary activity log route failed, trying fallback", "error", err)
	return c.activityLogsFrom(ctx, "/api/admin/logs")
}

func (c *HealthScanClient) activityLogsFrom(ctx context.Context, path string) ([]models.ActivityLogEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read activity log: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("activity log read failed with status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read activity log response: %w", err)
	}

	var wrapped struct {
		Logs []models.ActivityLogEntry `json:"logs"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Logs != nil {
		return wrapped.Logs, nil
	}
	var entries []models.ActivityLogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal activity log: %w", err)
	}
	return entries, nil
}

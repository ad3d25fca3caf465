package record

import (
	"context"
	"fmt"
	"log/slog"

	"go-healthscan/models"
)

// SubmitAPI is the slice of the upstream client the mutator needs.
type SubmitAPI interface {
	SubmitRecord(ctx context.Context, subjectID string, delta models.RecordDelta) models.UpdateOutcome
	FindSubjectByAttributes(ctx context.Context, fullName, dob string) (string, error)
}

// SubmitError is a terminal, classified submit failure. The message is the
// user-facing text for the operator; there is no automatic retry.
type SubmitError struct {
	Class   models.UpdateClass
	Message string
}

func (e *SubmitError) Error() string {
	return e.Message
}

var submitMessages = map[models.UpdateClass]string{
	models.UpdateUnreachable:      "cannot connect to the server, check your connection",
	models.UpdateNotFound:         "medical record not found, make sure the subject exists",
	models.UpdateBadRequest:       "invalid data, check all required fields",
	models.UpdatePermissionDenied: "permission denied, check your admin credentials",
	models.UpdateServerError:      "server error, try again later",
}

// UpdateResult is returned on a successful submit: the refreshed view model
// and the timestamp the upstream acknowledged.
type UpdateResult struct {
	ViewModel   models.ViewModel
	LastUpdated string
}

// Mutator applies record edits against the upstream and keeps the reconciler
// and write-through cache in step with the result.
type Mutator struct {
	api     SubmitAPI
	manager *Manager
	store   Store
}

func NewMutator(api SubmitAPI, manager *Manager, store Store) *Mutator {
	return &Mutator{api: api, manager: manager, store: store}
}

// Submit sends the delta upstream. An unknown subject id triggers a
// secondary lookup by name and date of birth; if that fails too the submit
// still goes out with whatever identity is available, since the upstream
// may be able to resolve it. On success the intake flag is set, and a
// reconciler refresh is issued strictly after success was observed.
func (mu *Mutator) Submit(ctx context.Context, subjectID string, delta models.RecordDelta) (UpdateResult, error) {
	if subjectID == "" {
		subjectID = delta.SubjectID
	}
	if subjectID == "" {
		resolved, err := mu.api.FindSubjectByAttributes(ctx, delta.FullName, delta.DateOfBirth)
		if err != nil {
			slog.Warn("subject lookup by attributes failed, submitting anyway", "full_name", delta.FullName, "error", err)
		} else {
			subjectID = resolved
		}
	}
	delta.SubjectID = subjectID

	outcome := mu.api.SubmitRecord(ctx, subjectID, delta)
	if outcome.Class != models.UpdateOK {
		return UpdateResult{}, classifySubmit(outcome)
	}

	if err := mu.store.SetIntakeCompleted(ctx, subjectID); err != nil {
		slog.Warn("failed to persist intake flag", "subject_id", subjectID, "error", err)
	}

	vm, err := mu.manager.Refresh(ctx, subjectID)
	if err != nil {
		slog.Warn("post-submit refresh failed", "subject_id", subjectID, "error", err)
	}

	slog.Info("record updated", "subject_id", subjectID, "last_updated", outcome.LastUpdated)
	return UpdateResult{ViewModel: vm, LastUpdated: outcome.LastUpdated}, nil
}

func classifySubmit(outcome models.UpdateOutcome) *SubmitError {
	if msg, ok := submitMessages[outcome.Class]; ok {
		return &SubmitError{Class: outcome.Class, Message: msg}
	}
	msg := outcome.Message
	if msg == "" {
		msg = "update failed for an unknown reason"
	}
	return &SubmitError{Class: outcome.Class, Message: fmt.Sprintf("update failed: %s", msg)}
}

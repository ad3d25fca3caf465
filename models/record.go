package models

// ApprovalState tells whether an administrator has reviewed the subject's
// medical information. It is only ever changed by an explicit admin action,
// never derived from the record content.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
)

// MedicalRecord holds the emergency medical information for one subject.
// The authoritative copy lives upstream; this is the local working copy.
// JSON names follow the upstream wire format.
type MedicalRecord struct {
	SubjectID        string `json:"user_id"`
	FullName         string `json:"full_name"`
	DateOfBirth      string `json:"dob"`
	BloodType        string `json:"blood_type"`
	Address          string `json:"address"`
	Allergies        string `json:"allergies"`
	Medications      string `json:"medications"`
	Conditions       string `json:"conditions"`
	EmergencyContact string `json:"emergency_contact"`
	PhotoURL         string `json:"photo_url,omitempty"`
}

// ViewModel is the resolved, display-ready view of a subject's record after
// reconciling the server response, the cached snapshot and the session flags.
type ViewModel struct {
	MedicalRecord

	// LastUpdated is a display string, "Never" when no update is known.
	// It never regresses to an older value once resolved.
	LastUpdated     string        `json:"last_updated"`
	Approval        ApprovalState `json:"approval_state"`
	IntakeCompleted bool          `json:"intake_completed"`
}

// SessionFlags is the per-subject state persisted in the session store.
// IntakeCompleted is sticky: once true it stays true until an explicit
// logout clears the whole session.
type SessionFlags struct {
	SubjectID       string
	Authenticated   bool
	IntakeCompleted bool
}

// FetchStatus tags the outcome of a record fetch.
type FetchStatus int

const (
	FetchFound FetchStatus = iota
	FetchNotFound
	FetchError
)

// FetchOutcome is the tagged result of fetching a subject's record from the
// upstream API. Record is non-nil only for FetchFound. Reason carries a
// short classification for FetchError.
type FetchOutcome struct {
	Status      FetchStatus
	Record      *MedicalRecord
	LastUpdated string
	Approval    ApprovalState
	Reason      string
}

// RecordDelta carries the edited field values for a submit. AdminID is set
// when the edit comes from the admin surface.
type RecordDelta struct {
	MedicalRecord
	AdminID string `json:"admin_id,omitempty"`
}

// UpdateClass classifies the outcome of a record submit. Everything except
// UpdateOK is terminal for that attempt; there is no automatic retry.
type UpdateClass int

const (
	UpdateOK UpdateClass = iota
	UpdateRejected
	UpdateUnreachable
	UpdateNotFound
	UpdateBadRequest
	UpdatePermissionDenied
	UpdateServerError
)

// UpdateOutcome is the classified result of one submit attempt.
type UpdateOutcome struct {
	Class       UpdateClass
	Message     string
	LastUpdated string
}

// UserSummary is one row of the admin user listing.
type UserSummary struct {
	SubjectID  string        `json:"user_id"`
	FullName   string        `json:"full_name"`
	Email      string        `json:"email,omitempty"`
	Approval   ApprovalState `json:"approval_state"`
	ApprovedAt string        `json:"approved_at,omitempty"`
	ApprovedBy string        `json:"approved_by,omitempty"`
}

// ActivityLogEntry is one admin activity record, as posted to and read from
// the upstream activity log.
type ActivityLogEntry struct {
	Action      string `json:"action"`
	Description string `json:"description"`
	AdminID     string `json:"admin_id,omitempty"`
	AdminName   string `json:"admin_name,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// ScanStatus is the user-visible status of a scan session.
type ScanStatus string

const (
	ScanStatusScanning ScanStatus = "SCANNING"
	ScanStatusSuccess  ScanStatus = "SUCCESS"
	ScanStatusError    ScanStatus = "ERROR"
)

// ScanOutcome is the terminal result of a scan session or a single-shot
// image scan. ViewModel is set only on success.
type ScanOutcome struct {
	Status    ScanStatus `json:"status"`
	Message   string     `json:"message"`
	ViewModel *ViewModel `json:"record,omitempty"`
}

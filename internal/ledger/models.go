package ledger

import (
	"errors"
	"time"
)

// Genesis is the previous_hash of the first entry in every chain.
const Genesis = "GENESIS"

// Entry is one append-only block of a chain. Field names match the on-disk
// JSON layout.
type Entry struct {
	SequenceHash string            `json:"sequence_hash"`
	PreviousHash string            `json:"previous_hash"`
	Timestamp    time.Time         `json:"timestamp"`
	SubjectID    string            `json:"subject_id"`
	Action       Action            `json:"action"`
	Metadata     map[string]string `json:"metadata"`
}

// Action is the closed vocabulary of recorded events.
type Action string

const (
	ActionUserRegistered     Action = "USER_REGISTERED"
	ActionUserDeleted        Action = "USER_DELETED"
	ActionCredentialEnrolled Action = "CREDENTIAL_ENROLLED"
	ActionEnrollmentFailed   Action = "CREDENTIAL_ENROLLMENT_FAILED"
	ActionLogin              Action = "LOGIN"
	ActionLoginFailed        Action = "LOGIN_FAILED"
	ActionEHRUploaded        Action = "EHR_FILE_UPLOADED"
	ActionEHRRejected        Action = "EHR_UPLOAD_REJECTED"
	ActionEHRManuallyUpdated Action = "EHR_MANUALLY_UPDATED"
	ActionAdminDownloadedEHR Action = "ADMIN_DOWNLOADED_EHR"
	ActionUserDownloadedEHR  Action = "USER_DOWNLOADED_EHR"
	ActionDownloadAllEHRs    Action = "DOWNLOAD_ALL_EHRS"
	ActionLedgerExported     Action = "LEDGER_EXPORTED"
)

var knownActions = map[Action]struct{}{
	ActionUserRegistered:     {},
	ActionUserDeleted:        {},
	ActionCredentialEnrolled: {},
	ActionEnrollmentFailed:   {},
	ActionLogin:              {},
	ActionLoginFailed:        {},
	ActionEHRUploaded:        {},
	ActionEHRRejected:        {},
	ActionEHRManuallyUpdated: {},
	ActionAdminDownloadedEHR: {},
	ActionUserDownloadedEHR:  {},
	ActionDownloadAllEHRs:    {},
	ActionLedgerExported:     {},
}

// Valid reports whether a is part of the vocabulary.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

var (
	// ErrCorruptStore marks a backing store that could not be read or decoded.
	// Stores recover from it by resetting to an empty chain.
	ErrCorruptStore   = errors.New("ledger store corrupt")
	ErrUnknownAction  = errors.New("unknown ledger action")
	ErrMissingSubject = errors.New("ledger entry requires a subject")
	ErrInvalidScope   = errors.New("invalid ledger scope")
)

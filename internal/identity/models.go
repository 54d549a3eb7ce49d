package identity

import (
	"errors"
	"time"
)

// AdminID is the principal returned when the configured administrator pair
// authenticates. It is never a registry key.
const AdminID = "Admin"

// CredentialType names the biometric method a user enrolled with.
type CredentialType string

const (
	CredentialNone        CredentialType = ""
	CredentialFace        CredentialType = "face"
	CredentialFingerprint CredentialType = "fingerprint"
)

func (c CredentialType) Valid() bool {
	switch c {
	case CredentialNone, CredentialFace, CredentialFingerprint:
		return true
	}
	return false
}

var (
	ErrDuplicateUser      = errors.New("user already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("user not found")
	ErrCorruptStore       = errors.New("user registry corrupt")
	ErrRegistryFull       = errors.New("no free user id")
	ErrInvalidProfile     = errors.New("invalid profile")
)

// Profile is what a person supplies at registration.
type Profile struct {
	Name   string
	DOB    string
	Gender string
	Email  string
}

type User struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	DOB                 string         `json:"dob"`
	Gender              string         `json:"gender"`
	Email               string         `json:"email"`
	PasswordHash        string         `json:"password_hash"`
	CredentialType      CredentialType `json:"credential_type,omitempty"`
	CredentialReference string         `json:"credential_reference,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Enrolled reports whether a credential artifact has been stored.
func (u User) Enrolled() bool { return u.CredentialReference != "" }

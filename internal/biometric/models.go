package biometric

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Thegeektechie/EHR-System/internal/identity"
)

var (
	ErrUnavailable      = errors.New("biometric capture unavailable")
	ErrEnrollmentActive = errors.New("enrollment already in progress")
	ErrCaptureTimeout   = errors.New("biometric capture timed out")
	ErrNoArtifact       = errors.New("enrollment produced no artifact")
)

// Match is what a recognizer reports. Lower confidence is a closer match.
// An empty UserID with +Inf confidence means nothing usable was captured.
type Match struct {
	UserID     string  `json:"userId,omitempty"`
	Confidence float64 `json:"confidence"`
}

// NoCapture is the match reported when no model or capture was available.
func NoCapture() Match {
	return Match{Confidence: math.Inf(1)}
}

func (m Match) NoCapture() bool {
	return m.UserID == "" && math.IsInf(m.Confidence, 1)
}

func (m Match) Matched() bool { return m.UserID != "" }

// Message is the text shown to the person attempting to log in.
func (m Match) Message(method identity.CredentialType) string {
	switch {
	case m.Matched():
		return fmt.Sprintf("Welcome, User ID %s", m.UserID)
	case m.NoCapture():
		return fmt.Sprintf("No usable %s capture or trained model available", method)
	default:
		return fmt.Sprintf("%s not recognized", label(method))
	}
}

func label(method identity.CredentialType) string {
	switch method {
	case identity.CredentialFace:
		return "Face"
	case identity.CredentialFingerprint:
		return "Fingerprint"
	}
	return "Credential"
}

// IdentifyRequest asks the collaborator for a verdict. Claimed is set for
// one-to-one checks such as fingerprint comparison against a stored print.
type IdentifyRequest struct {
	Method    identity.CredentialType
	Claimed   string
	Threshold float64
}

type EnrollResult struct {
	Reference string
	Samples   int
}

// Collaborator is the device and recognition side. It never sees the
// registry; it only captures and answers.
type Collaborator interface {
	Enroll(ctx context.Context, userID string, method identity.CredentialType, samples int) (EnrollResult, error)
	Identify(ctx context.Context, req IdentifyRequest) (Match, error)
}

// ArtifactSink stores the artifact of a successful enrollment.
type ArtifactSink interface {
	SaveCredential(ctx context.Context, userID string, ct identity.CredentialType, reference string) error
}

// Unavailable is the collaborator used when no capture device is wired.
type Unavailable struct{}

func (Unavailable) Enroll(context.Context, string, identity.CredentialType, int) (EnrollResult, error) {
	return EnrollResult{}, ErrUnavailable
}

func (Unavailable) Identify(context.Context, IdentifyRequest) (Match, error) {
	return NoCapture(), nil
}

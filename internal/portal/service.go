package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Thegeektechie/EHR-System/internal/biometric"
	"github.com/Thegeektechie/EHR-System/internal/ehr"
	"github.com/Thegeektechie/EHR-System/internal/identity"
	"github.com/Thegeektechie/EHR-System/internal/ledger"
	"github.com/Thegeektechie/EHR-System/internal/report"
)

// anonymousSubject is recorded for failed biometric logins that matched no one.
const anonymousSubject = "anonymous"

// Reporter renders a ledger report to PDF.
type Reporter interface {
	Render(ctx context.Context, rep report.Ledger) ([]byte, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Ledger     *ledger.Book
	Users      *identity.Store
	Records    *ehr.Repository
	Biometrics biometric.Collaborator
	Biometric  biometric.Config
	Reports    Reporter
	Logger     *slog.Logger
}

// Service applies access rules to the registry, the record repository and the
// biometric collaborator, and records every sensitive action in the ledger.
type Service struct {
	ledger   *ledger.Book
	users    *identity.Store
	records  *ehr.Repository
	collab   biometric.Collaborator
	bioCfg   biometric.Config
	enroller *biometric.Enroller
	reports  Reporter
	logger   *slog.Logger
}

func NewService(d Deps) (*Service, error) {
	if d.Ledger == nil || d.Users == nil || d.Records == nil {
		return nil, errors.New("portal service requires ledger, users and records")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Biometrics == nil {
		d.Biometrics = biometric.Unavailable{}
	}
	s := &Service{
		ledger:  d.Ledger,
		users:   d.Users,
		records: d.Records,
		collab:  d.Biometrics,
		bioCfg:  d.Biometric,
		reports: d.Reports,
		logger:  d.Logger,
	}
	s.enroller = biometric.NewEnroller(d.Biometrics, d.Users, d.Biometric, d.Logger,
		biometric.WithResultHook(s.recordEnrollment))
	return s, nil
}

func (s *Service) record(ctx context.Context, subjectID string, action ledger.Action, meta map[string]string) error {
	if _, err := s.ledger.Record(ctx, subjectID, action, meta); err != nil {
		s.logger.Error("ledger append failed", "subjectId", subjectID, "action", action, "error", err)
		return fmt.Errorf("record %s: %w", action, err)
	}
	return nil
}

func (s *Service) recordEnrollment(ctx context.Context, r biometric.Result) {
	meta := map[string]string{"method": string(r.Method), "task_id": r.TaskID, "status": string(r.Status)}
	action := ledger.ActionCredentialEnrolled
	if r.Status != biometric.Succeeded {
		action = ledger.ActionEnrollmentFailed
		if r.Err != nil {
			meta["reason"] = r.Err.Error()
		}
	}
	_ = s.record(ctx, r.UserID, action, meta)
}

// Registration is the outcome of Register. EnrollmentTask is empty when no
// biometric method was chosen or capture could not start.
type Registration struct {
	UserID         string `json:"userId"`
	EnrollmentTask string `json:"enrollmentTaskId,omitempty"`
}

// Register creates the user and, when a biometric method was chosen, starts
// capturing the credential in the background.
func (s *Service) Register(ctx context.Context, p identity.Profile, password string, ct identity.CredentialType) (Registration, error) {
	id, err := s.users.Register(ctx, p, password, ct)
	if err != nil {
		return Registration{}, err
	}
	if err := s.record(ctx, id, ledger.ActionUserRegistered, map[string]string{"credential_type": string(ct)}); err != nil {
		// an unrecorded registration must not leave a user behind
		if derr := s.users.Delete(ctx, id); derr != nil {
			s.logger.Error("registration rollback failed", "userId", id, "error", derr)
		}
		return Registration{}, err
	}
	reg := Registration{UserID: id}
	if ct != identity.CredentialNone {
		task, err := s.enroller.Start(ctx, id, ct)
		if err != nil {
			s.logger.Warn("enrollment not started", "userId", id, "error", err)
		} else {
			reg.EnrollmentTask = task.ID()
		}
	}
	return reg, nil
}

// StartEnrollment (re)captures the biometric credential of userID. An empty
// method uses the one chosen at registration.
func (s *Service) StartEnrollment(ctx context.Context, actor Actor, userID string, method identity.CredentialType) (*biometric.Task, error) {
	if err := requireAccess(actor, userID); err != nil {
		return nil, err
	}
	u, err := s.users.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if method == identity.CredentialNone {
		method = u.CredentialType
	}
	if method == identity.CredentialNone {
		return nil, fmt.Errorf("%w: no biometric method chosen", identity.ErrInvalidProfile)
	}
	return s.enroller.Start(ctx, userID, method)
}

func (s *Service) CancelEnrollment(ctx context.Context, actor Actor, userID string) (bool, error) {
	if err := requireAccess(actor, userID); err != nil {
		return false, err
	}
	return s.enroller.Cancel(userID), ctx.Err()
}

// Login is a successful authentication.
type Login struct {
	UserID  string
	Admin   bool
	Method  string
	Message string
}

func (l Login) Actor() Actor { return Actor{ID: l.UserID, Admin: l.Admin} }

func (s *Service) LoginPassword(ctx context.Context, identifier, password string) (Login, error) {
	id, err := s.users.AuthenticatePassword(ctx, identifier, password)
	if err != nil {
		meta := map[string]string{"method": "password"}
		_ = s.record(ctx, s.failedLoginSubject(ctx, identifier, meta), ledger.ActionLoginFailed, meta)
		return Login{}, err
	}
	login := Login{UserID: id, Admin: id == identity.AdminID, Method: "password", Message: "Welcome, User ID " + id}
	if err := s.record(ctx, id, ledger.ActionLogin, map[string]string{"method": "password", "admin": strconv.FormatBool(login.Admin)}); err != nil {
		return Login{}, err
	}
	return login, nil
}

// LoginFace asks the collaborator who is in front of the camera.
func (s *Service) LoginFace(ctx context.Context) (Login, error) {
	m, err := s.collab.Identify(ctx, biometric.IdentifyRequest{Method: identity.CredentialFace, Threshold: s.bioCfg.FaceThreshold})
	if err != nil {
		m = biometric.NoCapture()
	}
	return s.finishBiometricLogin(ctx, identity.CredentialFace, "", m)
}

// LoginFingerprint compares a live print against userID's stored one.
func (s *Service) LoginFingerprint(ctx context.Context, userID string) (Login, error) {
	u, err := s.users.Profile(ctx, userID)
	if err != nil || u.CredentialType != identity.CredentialFingerprint || !u.Enrolled() {
		meta := map[string]string{"method": "fingerprint", "reason": "no stored fingerprint"}
		_ = s.record(ctx, s.failedLoginSubject(ctx, userID, meta), ledger.ActionLoginFailed, meta)
		return Login{}, fmt.Errorf("%w: no fingerprint enrolled", identity.ErrInvalidCredentials)
	}
	m, err := s.collab.Identify(ctx, biometric.IdentifyRequest{
		Method:    identity.CredentialFingerprint,
		Claimed:   userID,
		Threshold: s.bioCfg.FingerprintThreshold,
	})
	if err != nil {
		m = biometric.NoCapture()
	}
	return s.finishBiometricLogin(ctx, identity.CredentialFingerprint, userID, m)
}

func (s *Service) finishBiometricLogin(ctx context.Context, method identity.CredentialType, claimed string, m biometric.Match) (Login, error) {
	meta := map[string]string{"method": string(method)}
	if !m.NoCapture() {
		meta["confidence"] = strconv.FormatFloat(m.Confidence, 'f', 2, 64)
	}
	ok := m.Matched() && (claimed == "" || m.UserID == claimed)
	reason := m.Message(method)
	if ok {
		u, err := s.users.Profile(ctx, m.UserID)
		switch {
		case err != nil:
			ok = false
		case u.CredentialType != method || !u.Enrolled():
			ok = false
			reason = fmt.Sprintf("no %s credential enrolled for User ID %s", method, m.UserID)
		}
	}
	if !ok {
		candidate := claimed
		if candidate == "" {
			candidate = m.UserID
		}
		meta["reason"] = reason
		_ = s.record(ctx, s.failedLoginSubject(ctx, candidate, meta), ledger.ActionLoginFailed, meta)
		return Login{}, fmt.Errorf("%w: %s", identity.ErrInvalidCredentials, reason)
	}
	if err := s.record(ctx, m.UserID, ledger.ActionLogin, meta); err != nil {
		return Login{}, err
	}
	return Login{UserID: m.UserID, Method: string(method), Message: m.Message(method)}, nil
}

// maxIdentifierLen bounds what a failed login copies into the ledger.
const maxIdentifierLen = 64

// failedLoginSubject returns the registered user behind candidate, or
// anonymousSubject. Unresolved input is kept in meta only, so unknown
// identifiers never open chains of their own.
func (s *Service) failedLoginSubject(ctx context.Context, candidate string, meta map[string]string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return anonymousSubject
	}
	if id, ok := s.users.Lookup(ctx, candidate); ok {
		return id
	}
	if r := []rune(candidate); len(r) > maxIdentifierLen {
		candidate = string(r[:maxIdentifierLen])
	}
	meta["identifier"] = candidate
	return anonymousSubject
}

func (s *Service) ListUsers(ctx context.Context, actor Actor) ([]identity.User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.users.List(ctx)
}

func (s *Service) Profile(ctx context.Context, actor Actor, userID string) (identity.User, error) {
	if err := requireAccess(actor, userID); err != nil {
		return identity.User{}, err
	}
	return s.users.Profile(ctx, userID)
}

// DeleteUser removes the registry entry. Stored records and ledger history
// stay in place.
func (s *Service) DeleteUser(ctx context.Context, actor Actor, userID string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.users.Delete(ctx, userID); err != nil {
		return err
	}
	s.enroller.Cancel(userID)
	return s.record(ctx, userID, ledger.ActionUserDeleted, map[string]string{"by": actor.ID})
}

// UploadEHR validates and stores src for userID. Only administrators upload.
func (s *Service) UploadEHR(ctx context.Context, actor Actor, userID, src string) (string, error) {
	if err := requireAdmin(actor); err != nil {
		return "", err
	}
	if _, err := s.users.Profile(ctx, userID); err != nil {
		return "", err
	}
	name := filepath.Base(src)
	stored, err := s.records.Save(ctx, userID, src)
	if errors.Is(err, ehr.ErrValidationRejected) {
		_ = s.record(ctx, userID, ledger.ActionEHRRejected, map[string]string{"file": name, "reason": err.Error(), "by": actor.ID})
		return "", err
	}
	if err != nil {
		return "", err
	}
	if err := s.record(ctx, userID, ledger.ActionEHRUploaded, map[string]string{"file": name, "by": actor.ID}); err != nil {
		return stored, err
	}
	return stored, nil
}

func (s *Service) UpdateEHRManually(ctx context.Context, actor Actor, userID string, rec ehr.Record) (string, error) {
	if err := requireAdmin(actor); err != nil {
		return "", err
	}
	if _, err := s.users.Profile(ctx, userID); err != nil {
		return "", err
	}
	stored, err := s.records.SaveRecord(ctx, userID, rec)
	if err != nil {
		return "", err
	}
	if err := s.record(ctx, userID, ledger.ActionEHRManuallyUpdated, map[string]string{"file": filepath.Base(stored), "by": actor.ID}); err != nil {
		return stored, err
	}
	return stored, nil
}

// EHRFile describes one stored record.
type EHRFile struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

func describe(path string) (EHRFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return EHRFile{}, err
	}
	return EHRFile{Name: info.Name(), Size: info.Size(), ModifiedAt: info.ModTime().UTC()}, nil
}

// ListEHR returns userID's records, oldest first.
func (s *Service) ListEHR(ctx context.Context, actor Actor, userID string) ([]EHRFile, error) {
	if err := requireAccess(actor, userID); err != nil {
		return nil, err
	}
	paths, err := s.records.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	files := make([]EHRFile, 0, len(paths))
	for _, p := range paths {
		f, err := describe(p)
		if err != nil {
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

func (s *Service) LatestEHR(ctx context.Context, actor Actor, userID string) (EHRFile, bool, error) {
	if err := requireAccess(actor, userID); err != nil {
		return EHRFile{}, false, err
	}
	path, ok, err := s.records.Latest(ctx, userID)
	if err != nil || !ok {
		return EHRFile{}, false, err
	}
	f, err := describe(path)
	if err != nil {
		return EHRFile{}, false, err
	}
	return f, true, nil
}

// OpenEHR opens a record for download and records who downloaded it.
func (s *Service) OpenEHR(ctx context.Context, actor Actor, userID, name string) (*os.File, error) {
	if err := requireAccess(actor, userID); err != nil {
		return nil, err
	}
	f, err := s.records.Open(userID, name)
	if err != nil {
		return nil, err
	}
	action := ledger.ActionUserDownloadedEHR
	if actor.Admin {
		action = ledger.ActionAdminDownloadedEHR
	}
	if err := s.record(ctx, userID, action, map[string]string{"file": name, "by": actor.ID}); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// ExportAll writes every stored record into a zip archive on w.
func (s *Service) ExportAll(ctx context.Context, actor Actor, w io.Writer) (int, error) {
	if err := requireAdmin(actor); err != nil {
		return 0, err
	}
	n, err := s.records.Export(ctx, w)
	if err != nil {
		return n, err
	}
	return n, s.record(ctx, actor.ID, ledger.ActionDownloadAllEHRs, map[string]string{"files": strconv.Itoa(n)})
}

// Ledger returns history in append order. Administrators see the whole
// global chain or one subject; users only ever see their own entries.
func (s *Service) Ledger(ctx context.Context, actor Actor, subjectID string) ([]ledger.Entry, error) {
	if !actor.Admin {
		if subjectID != "" && subjectID != actor.ID {
			return nil, ErrPermissionDenied
		}
		subjectID = actor.ID
	}
	if subjectID == "" {
		return s.ledger.Global().All(ctx)
	}
	return s.ledger.Global().EntriesFor(ctx, subjectID)
}

// ChainStatus is the verification outcome of one chain.
type ChainStatus struct {
	Scope   string `json:"scope"`
	Valid   bool   `json:"valid"`
	Problem string `json:"problem,omitempty"`
}

func (s *Service) VerifyLedger(ctx context.Context, actor Actor) ([]ChainStatus, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	scopes, err := s.ledger.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := s.ledger.VerifyAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ChainStatus, 0, len(scopes))
	for _, scope := range scopes {
		st := ChainStatus{Scope: scope, Valid: true}
		if ferr, bad := failed[scope]; bad {
			st.Valid = false
			if ferr != nil {
				st.Problem = ferr.Error()
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// LedgerReport renders the global chain, or one subject's entries, to PDF.
func (s *Service) LedgerReport(ctx context.Context, actor Actor, subjectID string) ([]byte, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if s.reports == nil {
		return nil, errors.New("report rendering is not configured")
	}
	entries, err := s.Ledger(ctx, actor, subjectID)
	if err != nil {
		return nil, err
	}
	ok, verr := s.ledger.Global().Verify(ctx)
	rep := report.Ledger{
		Title:    "EHR ledger history",
		Scope:    ledger.GlobalScope,
		Subject:  subjectID,
		Verified: ok,
		Entries:  entries,
	}
	if verr != nil {
		rep.Problem = verr.Error()
	}
	pdf, err := s.reports.Render(ctx, rep)
	if err != nil {
		return nil, err
	}
	subject := subjectID
	if subject == "" {
		subject = actor.ID
	}
	if err := s.record(ctx, subject, ledger.ActionLedgerExported, map[string]string{"entries": strconv.Itoa(len(entries)), "by": actor.ID}); err != nil {
		return nil, err
	}
	return pdf, nil
}

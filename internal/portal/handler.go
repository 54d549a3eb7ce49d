package portal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/Thegeektechie/EHR-System/internal/biometric"
	"github.com/Thegeektechie/EHR-System/internal/ehr"
	"github.com/Thegeektechie/EHR-System/internal/identity"
	"github.com/Thegeektechie/EHR-System/internal/ledger"
)

// APIError is the body of every error response.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	CorrID    string `json:"corrId"`
	Retryable bool   `json:"retryable"`
}

type Handler struct {
	svc      *Service
	sessions *Sessions
	limiter  Limiter
	cfg      Config
	logger   *slog.Logger
}

func NewHandler(svc *Service, sessions *Sessions, limiter Limiter, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewMemoryLimiter(cfg.LoginRatePerMinute, time.Minute)
	}
	return &Handler{svc: svc, sessions: sessions, limiter: limiter, cfg: cfg, logger: logger}
}

// Routes builds the HTTP API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	if h.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(h.correlate)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, CorrIDFromContext(r.Context()), map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Group(func(r chi.Router) {
			r.Use(h.rateLimited)
			r.Post("/login", h.loginPassword)
			r.Post("/login/face", h.loginFace)
			r.Post("/login/fingerprint", h.loginFingerprint)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/users", h.listUsers)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", h.profile)
			r.Delete("/", h.deleteUser)
			r.Post("/enrollment", h.startEnrollment)
			r.Delete("/enrollment", h.cancelEnrollment)
			r.Get("/ehr", h.listEHR)
			r.Post("/ehr", h.uploadEHR)
			r.Put("/ehr/manual", h.updateEHRManually)
			r.Get("/ehr/latest", h.latestEHR)
			r.Get("/ehr/{name}", h.downloadEHR)
			r.Get("/ledger", h.userLedger)
		})
		r.Get("/ledger", h.ledger)
		r.Get("/ledger/verify", h.verifyLedger)
		r.Get("/ledger/report.pdf", h.ledgerReport)
		r.Get("/export.zip", h.exportAll)
	})
	return r
}

func (h *Handler) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get("X-Correlation-Id")
		if _, err := uuid.Parse(corrID); err != nil {
			corrID = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", corrID)
		next.ServeHTTP(w, r.WithContext(contextWithCorrID(r.Context(), corrID)))
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := CorrIDFromContext(r.Context())
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "Authentication required", corrID, false)
			return
		}
		actor, err := h.sessions.Parse(raw)
		if err != nil {
			h.logger.Info("session rejected", "corrId", corrID, "error", err)
			writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Session is invalid or expired", corrID, false)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}

func (h *Handler) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := CorrIDFromContext(r.Context())
		ok, retryAfter, err := h.limiter.Allow(r.Context(), "login:"+clientIP(r))
		if err != nil {
			h.logger.Warn("rate limiter unavailable", "corrId", corrID, "error", err)
		}
		if !ok {
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many login attempts", corrID, true)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) scope(r *http.Request) (Actor, string, *slog.Logger) {
	actor, _ := ActorFromContext(r.Context())
	corrID := CorrIDFromContext(r.Context())
	return actor, corrID, CorrelationLogger(h.logger, corrID, actor.ID)
}

type registerRequest struct {
	Name           string              `json:"name"`
	DOB            *openapi_types.Date `json:"dob,omitempty"`
	Gender         string              `json:"gender"`
	Email          openapi_types.Email `json:"email"`
	Password       string              `json:"password"`
	CredentialType string              `json:"credentialType"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	_, corrID, log := h.scope(r)
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), corrID, false)
		return
	}
	p := identity.Profile{Name: req.Name, Gender: req.Gender, Email: string(req.Email)}
	if req.DOB != nil {
		p.DOB = req.DOB.String()
	}
	reg, err := h.svc.Register(r.Context(), p, req.Password, identity.CredentialType(strings.ToLower(req.CredentialType)))
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	log.Info("user registered", "userId", reg.UserID)
	writeJSON(w, http.StatusCreated, corrID, reg)
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type loginResponse struct {
	UserID    string    `json:"userId"`
	Admin     bool      `json:"admin"`
	Method    string    `json:"method"`
	Message   string    `json:"message"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handler) loginPassword(w http.ResponseWriter, r *http.Request) {
	_, corrID, log := h.scope(r)
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), corrID, false)
		return
	}
	login, err := h.svc.LoginPassword(r.Context(), req.Identifier, req.Password)
	h.finishLogin(w, corrID, log, login, err)
}

func (h *Handler) loginFace(w http.ResponseWriter, r *http.Request) {
	_, corrID, log := h.scope(r)
	login, err := h.svc.LoginFace(r.Context())
	h.finishLogin(w, corrID, log, login, err)
}

func (h *Handler) loginFingerprint(w http.ResponseWriter, r *http.Request) {
	_, corrID, log := h.scope(r)
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), corrID, false)
		return
	}
	login, err := h.svc.LoginFingerprint(r.Context(), req.UserID)
	h.finishLogin(w, corrID, log, login, err)
}

func (h *Handler) finishLogin(w http.ResponseWriter, corrID string, log *slog.Logger, login Login, err error) {
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	token, exp, err := h.sessions.Issue(login.Actor())
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	log.Info("login succeeded", "userId", login.UserID, "method", login.Method)
	writeJSON(w, http.StatusOK, corrID, loginResponse{
		UserID:    login.UserID,
		Admin:     login.Admin,
		Method:    login.Method,
		Message:   login.Message,
		Token:     token,
		ExpiresAt: exp,
	})
}

// userView is a User without its password hash.
type userView struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	DOB            string                  `json:"dob"`
	Gender         string                  `json:"gender"`
	Email          string                  `json:"email"`
	CredentialType identity.CredentialType `json:"credentialType,omitempty"`
	Enrolled       bool                    `json:"enrolled"`
	CreatedAt      time.Time               `json:"createdAt"`
}

func toView(u identity.User) userView {
	return userView{
		ID:             u.ID,
		Name:           u.Name,
		DOB:            u.DOB,
		Gender:         u.Gender,
		Email:          u.Email,
		CredentialType: u.CredentialType,
		Enrolled:       u.Enrolled(),
		CreatedAt:      u.CreatedAt,
	}
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	users, err := h.svc.ListUsers(r.Context(), actor)
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, toView(u))
	}
	writeJSON(w, http.StatusOK, corrID, map[string]any{"users": views})
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	u, err := h.svc.Profile(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	writeJSON(w, http.StatusOK, corrID, toView(u))
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	id := chi.URLParam(r, "id")
	if err := h.svc.DeleteUser(r.Context(), actor, id); err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	log.Info("user deleted", "userId", id)
	w.Header().Set("X-Correlation-Id", corrID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) startEnrollment(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	var req struct {
		Method string `json:"method"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), corrID, false)
			return
		}
	}
	task, err := h.svc.StartEnrollment(r.Context(), actor, chi.URLParam(r, "id"), identity.CredentialType(strings.ToLower(req.Method)))
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, corrID, map[string]any{
		"taskId": task.ID(),
		"userId": task.UserID(),
		"method": task.Method(),
		"status": biometric.Running,
	})
}

func (h *Handler) cancelEnrollment(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	cancelled, err := h.svc.CancelEnrollment(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	if !cancelled {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No enrollment in progress", corrID, false)
		return
	}
	writeJSON(w, http.StatusOK, corrID, map[string]any{"status": biometric.Canceled})
}

func (h *Handler) listEHR(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	files, err := h.svc.ListEHR(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	writeJSON(w, http.StatusOK, corrID, map[string]any{"files": files})
}

func (h *Handler) latestEHR(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	f, ok, err := h.svc.LatestEHR(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No health records stored", corrID, false)
		return
	}
	writeJSON(w, http.StatusOK, corrID, f)
}

func (h *Handler) uploadEHR(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	userID := chi.URLParam(r, "id")
	if !actor.Admin {
		h.fail(w, corrID, log, ErrPermissionDenied)
		return
	}

	// multipart framing gets a little room on top of the file itself
	limit := h.cfg.MaxUploadBytes + 64<<10
	if r.ContentLength > limit {
		h.fail(w, corrID, log, &http.MaxBytesError{Limit: limit})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, corrID, log, err)
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_UPLOAD", "multipart field \"file\" is required", corrID, false)
		return
	}
	defer file.Close()

	tmpDir, err := os.MkdirTemp("", "ehr-upload-")
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	defer os.RemoveAll(tmpDir)

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		writeError(w, http.StatusBadRequest, "BAD_UPLOAD", "file name is required", corrID, false)
		return
	}
	src := filepath.Join(tmpDir, name)
	if err := saveUpload(file, src); err != nil {
		h.fail(w, corrID, log, err)
		return
	}

	stored, err := h.svc.UploadEHR(r.Context(), actor, userID, src)
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	f, err := describe(stored)
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	log.Info("ehr uploaded", "userId", userID, "file", f.Name)
	writeJSON(w, http.StatusCreated, corrID, f)
}

func saveUpload(src io.Reader, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (h *Handler) updateEHRManually(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	var rec ehr.Record
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error(), corrID, false)
		return
	}
	stored, err := h.svc.UpdateEHRManually(r.Context(), actor, chi.URLParam(r, "id"), rec)
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	f, err := describe(stored)
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	writeJSON(w, http.StatusCreated, corrID, f)
}

func (h *Handler) downloadEHR(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	name := chi.URLParam(r, "name")
	f, err := h.svc.OpenEHR(r.Context(), actor, chi.URLParam(r, "id"), name)
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (h *Handler) exportAll(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	if !actor.Admin {
		h.fail(w, corrID, log, ErrPermissionDenied)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "ehr-export-"+time.Now().UTC().Format("20060102")+".zip"))
	n, err := h.svc.ExportAll(r.Context(), actor, w)
	if err != nil {
		// headers are gone once the archive started streaming
		log.Error("ehr export failed", "files", n, "error", err)
		return
	}
	log.Info("ehr export streamed", "files", n)
}

func (h *Handler) userLedger(w http.ResponseWriter, r *http.Request) {
	h.writeLedger(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) ledger(w http.ResponseWriter, r *http.Request) {
	h.writeLedger(w, r, r.URL.Query().Get("subject"))
}

func (h *Handler) writeLedger(w http.ResponseWriter, r *http.Request, subject string) {
	actor, corrID, log := h.scope(r)
	entries, err := h.svc.Ledger(r.Context(), actor, subject)
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	writeJSON(w, http.StatusOK, corrID, map[string]any{"entries": ledger.Newest(entries)})
}

func (h *Handler) verifyLedger(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	chains, err := h.svc.VerifyLedger(r.Context(), actor)
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	valid := true
	for _, c := range chains {
		valid = valid && c.Valid
	}
	writeJSON(w, http.StatusOK, corrID, map[string]any{"valid": valid, "chains": chains})
}

func (h *Handler) ledgerReport(w http.ResponseWriter, r *http.Request) {
	actor, corrID, log := h.scope(r)
	pdf, err := h.svc.LedgerReport(r.Context(), actor, r.URL.Query().Get("subject"))
	if err != nil {
		h.fail(w, corrID, log, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("X-Correlation-Id", corrID)
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

// fail maps a service error onto an HTTP status.
func (h *Handler) fail(w http.ResponseWriter, corrID string, log *slog.Logger, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	} else {
		log.Info("request rejected", "code", code, "error", err)
	}
	writeError(w, status, code, msg, corrID, status >= http.StatusInternalServerError)
}

func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden, "PERMISSION_DENIED", "Administrator access required"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "AUTH_REQUIRED", "Authentication required"
	case errors.Is(err, identity.ErrDuplicateUser):
		return http.StatusConflict, "DUPLICATE_USER", "A user with this email is already registered"
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error()
	case errors.Is(err, identity.ErrInvalidProfile),
		errors.Is(err, ehr.ErrInvalidUserID),
		errors.Is(err, ehr.ErrInvalidFileName):
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error()
	case errors.Is(err, ehr.ErrValidationRejected):
		return http.StatusUnprocessableEntity, "EHR_REJECTED", err.Error()
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, ehr.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, biometric.ErrEnrollmentActive):
		return http.StatusConflict, "ENROLLMENT_ACTIVE", err.Error()
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, "TOO_LARGE", "Upload exceeds the size limit"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error"
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, corrID string, v any) {
	w.Header().Set("Content-Type", "application/json")
	if corrID != "" {
		w.Header().Set("X-Correlation-Id", corrID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, corrID string, retryable bool) {
	writeJSON(w, status, corrID, APIError{Code: code, Message: message, CorrID: corrID, Retryable: retryable})
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

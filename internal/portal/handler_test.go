package portal

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Thegeektechie/EHR-System/internal/ledger"
)

func newTestHandler(t *testing.T, loginLimit int) (http.Handler, fixture) {
	t.Helper()
	return newTestHandlerWith(t, Config{LoginRatePerMinute: loginLimit, MaxUploadBytes: 1 << 20})
}

func newTestHandlerWith(t *testing.T, cfg Config) (http.Handler, fixture) {
	t.Helper()
	f := newFixture(t, nil)
	sessions, err := NewSessions("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewSessions() error = %v", err)
	}
	h := NewHandler(f.svc, sessions, NewMemoryLimiter(cfg.LoginRatePerMinute, time.Minute), cfg, nil)
	return h.Routes(), f
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, identifier, password string) loginResponse {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/auth/login", "", `{"identifier":"`+identifier+`","password":"`+password+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", identifier, rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp
}

func upload(t *testing.T, h http.Handler, token, userID, name, body string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	part.Write([]byte(body))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/users/"+userID+"/ehr", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const registerBody = `{"name":"Ada","dob":"2000-01-01","gender":"F","email":"a@x.com","password":"Passw0rd!","credentialType":""}`

func TestHandler_RegisterLoginAndUpload(t *testing.T) {
	h, f := newTestHandler(t, 100)

	rec := doJSON(t, h, http.MethodPost, "/auth/register", "", registerBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d body %s", rec.Code, rec.Body.String())
	}
	var reg Registration
	if err := json.NewDecoder(rec.Body).Decode(&reg); err != nil {
		t.Fatalf("decode registration: %v", err)
	}
	if reg.UserID != "00042" {
		t.Fatalf("userId = %s, want 00042", reg.UserID)
	}

	user := login(t, h, "a@x.com", "Passw0rd!")
	if user.UserID != "00042" || user.Admin || user.Token == "" {
		t.Fatalf("user login = %+v", user)
	}

	rec = upload(t, h, user.Token, "00042", "record.json", validRecord)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user upload status = %d, want 403", rec.Code)
	}
	var apiErr APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.Code != "PERMISSION_DENIED" || apiErr.CorrID == "" {
		t.Errorf("error body = %+v", apiErr)
	}

	admin := login(t, h, "Admin", "Admin@123")
	if !admin.Admin {
		t.Fatalf("admin login = %+v", admin)
	}
	rec = upload(t, h, admin.Token, "00042", "record.json", validRecord)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin upload status = %d body %s", rec.Code, rec.Body.String())
	}
	if n := countActions(t, f.book, "00042", ledger.ActionEHRUploaded); n != 1 {
		t.Errorf("EHR_FILE_UPLOADED entries = %d, want 1", n)
	}

	rec = doJSON(t, h, http.MethodGet, "/users/00042/ehr", user.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Files []EHRFile `json:"files"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Files) != 1 || listed.Files[0].Name != "record.json" {
		t.Errorf("files = %+v", listed.Files)
	}

	rec = doJSON(t, h, http.MethodGet, "/users/00042/ehr/record.json", user.Token, "")
	if rec.Code != http.StatusOK || rec.Body.String() != validRecord {
		t.Errorf("download status = %d body %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_StatusMapping(t *testing.T) {
	h, _ := newTestHandler(t, 100)
	if rec := doJSON(t, h, http.MethodPost, "/auth/register", "", registerBody); rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}
	admin := login(t, h, "Admin", "Admin@123")
	user := login(t, h, "00042", "Passw0rd!")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"duplicate email", http.MethodPost, "/auth/register", "", registerBody, http.StatusConflict},
		{"bad password", http.MethodPost, "/auth/login", "", `{"identifier":"a@x.com","password":"nope"}`, http.StatusUnauthorized},
		{"missing token", http.MethodGet, "/users", "", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/users", "not-a-jwt", "", http.StatusUnauthorized},
		{"user lists users", http.MethodGet, "/users", user.Token, "", http.StatusForbidden},
		{"admin lists users", http.MethodGet, "/users", admin.Token, "", http.StatusOK},
		{"unknown profile", http.MethodGet, "/users/99999", admin.Token, "", http.StatusNotFound},
		{"other user's ledger", http.MethodGet, "/users/00043/ledger", user.Token, "", http.StatusForbidden},
		{"own ledger", http.MethodGet, "/users/00042/ledger", user.Token, "", http.StatusOK},
		{"no latest record", http.MethodGet, "/users/00042/ehr/latest", user.Token, "", http.StatusNotFound},
		{"verify as user", http.MethodGet, "/ledger/verify", user.Token, "", http.StatusForbidden},
		{"verify as admin", http.MethodGet, "/ledger/verify", admin.Token, "", http.StatusOK},
		{"enroll without method", http.MethodPost, "/users/00042/enrollment", user.Token, "", http.StatusBadRequest},
		{"health", http.MethodGet, "/healthz", "", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, tc.method, tc.path, tc.token, tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
			if rec.Header().Get("X-Correlation-Id") == "" {
				t.Error("missing X-Correlation-Id header")
			}
		})
	}
}

func TestHandler_RejectedUpload(t *testing.T) {
	h, _ := newTestHandler(t, 100)
	if rec := doJSON(t, h, http.MethodPost, "/auth/register", "", registerBody); rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}
	admin := login(t, h, "Admin", "Admin@123")

	rec := upload(t, h, admin.Token, "00042", "notes.txt", "nothing clinical here")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	rec = upload(t, h, admin.Token, "00042", "scan.exe", validRecord)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unsupported extension status = %d, want 422", rec.Code)
	}
}

func TestHandler_LoginRateLimited(t *testing.T) {
	h, _ := newTestHandler(t, 2)
	body := `{"identifier":"nobody@x.com","password":"x"}`

	for i := 0; i < 2; i++ {
		if rec := doJSON(t, h, http.MethodPost, "/auth/login", "", body); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodPost, "/auth/login", "", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var apiErr APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !apiErr.Retryable {
		t.Error("rate limited response should be retryable")
	}
}

func TestHandler_CorrelationIDPropagated(t *testing.T) {
	h, _ := newTestHandler(t, 100)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-Id", "6f1c9a52-8e0b-4a4e-9f55-2f7f0d1f6a10")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-Id"); got != "6f1c9a52-8e0b-4a4e-9f55-2f7f0d1f6a10" {
		t.Errorf("X-Correlation-Id = %q", got)
	}
}

func TestHandler_OversizedUpload(t *testing.T) {
	h, f := newTestHandlerWith(t, Config{LoginRatePerMinute: 100, MaxUploadBytes: 1 << 10})
	if rec := doJSON(t, h, http.MethodPost, "/auth/register", "", registerBody); rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d", rec.Code)
	}
	admin := login(t, h, "Admin", "Admin@123")

	body := `{"name":"A","address":"B","notes":"` + strings.Repeat("x", 256<<10) + `"}`
	rec := upload(t, h, admin.Token, "00042", "record.json", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413 (body %s)", rec.Code, rec.Body.String())
	}
	var apiErr APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if apiErr.Code != "TOO_LARGE" {
		t.Errorf("code = %s, want TOO_LARGE", apiErr.Code)
	}
	if n := countActions(t, f.book, "00042", ledger.ActionEHRUploaded); n != 0 {
		t.Errorf("EHR_FILE_UPLOADED entries = %d, want 0", n)
	}
}

func TestHandler_ForwardedForIgnoredByDefault(t *testing.T) {
	h, _ := newTestHandler(t, 2)
	body := `{"identifier":"nobody@x.com","password":"x"}`

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("statuses = %v, spoofed X-Forwarded-For escaped the limiter", codes)
	}
}

func TestHandler_ForwardedForTrustedWhenConfigured(t *testing.T) {
	h, _ := newTestHandlerWith(t, Config{LoginRatePerMinute: 1, MaxUploadBytes: 1 << 20, TrustProxyHeaders: true})
	body := `{"identifier":"nobody@x.com","password":"x"}`

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i+1))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("client %d status = %d, want 401", i+1, rec.Code)
		}
	}
}

package identity

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const idSpace = 100000

// IDSource draws a candidate id number in [0, 100000).
type IDSource func() (int, error)

func randomID() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(idSpace))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

// Store is the user registry, held in memory and written through to a JSON
// file keyed by id.
type Store struct {
	cfg    Config
	logger *slog.Logger
	ids    IDSource
	now    func() time.Time

	mu    sync.RWMutex
	users map[string]User
}

type Option func(*Store)

// WithIDSource replaces the random id draw.
func WithIDSource(src IDSource) Option {
	return func(s *Store) { s.ids = src }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the registry at cfg.UsersFile. A corrupt registry is moved aside
// and replaced by an empty one.
func Open(cfg Config, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cfg:    cfg,
		logger: logger,
		ids:    randomID,
		now:    time.Now,
		users:  map[string]User{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MaxIDAttempts <= 0 {
		s.cfg.MaxIDAttempts = idSpace
	}
	if err := os.MkdirAll(filepath.Dir(cfg.UsersFile), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	users, err := load(cfg.UsersFile)
	switch {
	case errors.Is(err, ErrCorruptStore):
		aside := fmt.Sprintf("%s.corrupt-%d", cfg.UsersFile, s.now().UnixNano())
		logger.Warn("user registry unreadable, starting empty", "error", err, "movedTo", aside)
		if rerr := os.Rename(cfg.UsersFile, aside); rerr != nil {
			return nil, fmt.Errorf("move corrupt registry: %w", rerr)
		}
	case err != nil:
		return nil, err
	default:
		s.users = users
	}
	if cfg.AdminPassword == "" {
		logger.Warn("ADMIN_PASSWORD not set, administrator login disabled")
	}
	return s, nil
}

func load(path string) (map[string]User, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]User{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	users := map[string]User{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return users, nil
	}
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	for id, u := range users {
		if u.ID == "" {
			u.ID = id
			users[id] = u
		}
	}
	return users, nil
}

// persist writes next in full. Callers hold s.mu and swap s.users only after
// persist succeeds.
func (s *Store) persist(next map[string]User) error {
	body, err := json.MarshalIndent(next, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.cfg.UsersFile)
	tmp, err := os.CreateTemp(dir, ".users-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.cfg.UsersFile)
}

func (s *Store) withUsers(fn func(map[string]User) error) error {
	next := make(map[string]User, len(s.users)+1)
	for k, v := range s.users {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	s.users = next
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateProfile(p Profile, password string, ct CredentialType) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(p.Email)); err != nil {
		return fmt.Errorf("%w: email is not valid", ErrInvalidProfile)
	}
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidProfile)
	}
	if !ct.Valid() {
		return fmt.Errorf("%w: unknown credential type %q", ErrInvalidProfile, ct)
	}
	return nil
}

// Register adds a user and returns the assigned id. Nothing is stored when
// any step fails.
func (s *Store) Register(ctx context.Context, p Profile, password string, ct CredentialType) (string, error) {
	if err := validateProfile(p, password, ct); err != nil {
		return "", err
	}
	hash, err := HashPassword(password, s.cfg)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email := normalizeEmail(p.Email)
	for _, u := range s.users {
		if normalizeEmail(u.Email) == email {
			return "", fmt.Errorf("%w: %s", ErrDuplicateUser, email)
		}
	}
	id, err := s.nextID()
	if err != nil {
		return "", err
	}
	user := User{
		ID:             id,
		Name:           strings.TrimSpace(p.Name),
		DOB:            strings.TrimSpace(p.DOB),
		Gender:         strings.TrimSpace(p.Gender),
		Email:          strings.TrimSpace(p.Email),
		PasswordHash:   hash,
		CredentialType: ct,
		CreatedAt:      s.now().UTC(),
	}
	err = s.withUsers(func(m map[string]User) error {
		m[id] = user
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("user registered", "userId", id, "credentialType", ct)
	return id, nil
}

// nextID draws random ids until a free one is found, then falls back to a
// scan from a clock-derived offset. Callers hold s.mu.
func (s *Store) nextID() (string, error) {
	for i := 0; i < s.cfg.MaxIDAttempts; i++ {
		n, err := s.ids()
		if err != nil {
			return "", fmt.Errorf("draw user id: %w", err)
		}
		id := formatID(n)
		if _, taken := s.users[id]; !taken {
			return id, nil
		}
	}
	start := int(s.now().UnixNano() % idSpace)
	for i := 0; i < idSpace; i++ {
		id := formatID(start + i)
		if _, taken := s.users[id]; !taken {
			return id, nil
		}
	}
	return "", ErrRegistryFull
}

func formatID(n int) string {
	n %= idSpace
	if n < 0 {
		n += idSpace
	}
	return fmt.Sprintf("%05d", n)
}

// AuthenticatePassword resolves identifier (user id or email) and checks the
// password. The administrator pair is checked first and yields AdminID.
func (s *Store) AuthenticatePassword(ctx context.Context, identifier, password string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	identifier = strings.TrimSpace(identifier)
	if s.IsAdmin(identifier, password) {
		return AdminID, nil
	}

	s.mu.RLock()
	user, ok := s.resolve(identifier)
	s.mu.RUnlock()

	if !ok || !VerifyPassword(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}
	return user.ID, nil
}

// Lookup returns the id of the registered user known by identifier (user id
// or email, any case). The administrator is not part of the registry.
func (s *Store) Lookup(ctx context.Context, identifier string) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.resolve(strings.TrimSpace(identifier))
	return u.ID, ok
}

// resolve expects s.mu to be held.
func (s *Store) resolve(identifier string) (User, bool) {
	if u, ok := s.users[identifier]; ok {
		return u, true
	}
	email := normalizeEmail(identifier)
	if email == "" {
		return User{}, false
	}
	for _, u := range s.users {
		if normalizeEmail(u.Email) == email {
			return u, true
		}
	}
	return User{}, false
}

// IsAdmin compares against the configured administrator pair in constant time.
func (s *Store) IsAdmin(username, password string) bool {
	if s.cfg.AdminPassword == "" {
		return false
	}
	userOK := constantTimeEqual(username, s.cfg.AdminUsername)
	passOK := constantTimeEqual(password, s.cfg.AdminPassword)
	return userOK && passOK
}

func (s *Store) Profile(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return u, nil
}

// List returns every user ordered by id.
func (s *Store) List(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the registry entry only. Records and ledger history that
// refer to the id are left in place.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	err := s.withUsers(func(m map[string]User) error {
		delete(m, id)
		return nil
	})
	if err == nil {
		s.logger.Info("user deleted", "userId", id)
	}
	return err
}

// SaveCredential records the artifact of a successful enrollment.
func (s *Store) SaveCredential(ctx context.Context, id string, ct CredentialType, reference string) error {
	if ct == CredentialNone || !ct.Valid() {
		return fmt.Errorf("%w: unknown credential type %q", ErrInvalidProfile, ct)
	}
	if reference == "" {
		return fmt.Errorf("%w: empty credential reference", ErrInvalidProfile)
	}
	return s.updateCredential(ctx, id, ct, reference)
}

// ClearCredential forgets the stored artifact but keeps the chosen method.
func (s *Store) ClearCredential(ctx context.Context, id string) error {
	return s.updateCredential(ctx, id, "", "")
}

func (s *Store) updateCredential(ctx context.Context, id string, ct CredentialType, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if ct != CredentialNone {
		u.CredentialType = ct
	}
	u.CredentialReference = reference
	return s.withUsers(func(m map[string]User) error {
		m[id] = u
		return nil
	})
}

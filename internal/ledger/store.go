package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Store is a single hash-chained scope. All appends to one scope go through
// the same Store so that the read-last/write-next sequence cannot interleave.
type Store struct {
	scope   string
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// OpenStore prepares scope on backend. A corrupt or unreadable chain is
// replaced by an empty one; the incident is logged at WARN level instead of
// failing startup.
func OpenStore(ctx context.Context, scope string, backend Backend, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := validScope(scope); err != nil {
		return nil, err
	}
	s := &Store{
		scope:   scope,
		backend: backend,
		logger:  logger.With("scope", scope),
		now:     time.Now,
	}
	if _, err := backend.Load(ctx, scope); err != nil {
		if !errors.Is(err, ErrCorruptStore) {
			return nil, err
		}
		s.logger.Warn("ledger chain unreadable, resetting to empty chain", "error", err)
		if rerr := backend.Reset(ctx, scope); rerr != nil {
			return nil, fmt.Errorf("reset %s chain: %w", scope, rerr)
		}
	}
	return s, nil
}

// Scope names the chain this store appends to.
func (s *Store) Scope() string { return s.scope }

// Append links a new entry to the end of the chain and persists it.
func (s *Store) Append(ctx context.Context, subjectID string, action Action, metadata map[string]string) (Entry, error) {
	if !action.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if subjectID == "" {
		return Entry{}, ErrMissingSubject
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.backend.Load(ctx, s.scope)
	if err != nil {
		return Entry{}, fmt.Errorf("load %s chain: %w", s.scope, err)
	}

	entry := Entry{
		PreviousHash: Genesis,
		Timestamp:    s.now().UTC(),
		SubjectID:    subjectID,
		Action:       action,
		Metadata:     cloneMetadata(metadata),
	}
	if n := len(chain); n > 0 {
		last := chain[n-1]
		entry.PreviousHash = last.SequenceHash
		if entry.Timestamp.Before(last.Timestamp) {
			entry.Timestamp = last.Timestamp
		}
	}
	entry.SequenceHash = ComputeHash(entry)

	if err := s.backend.Append(ctx, s.scope, append(chain, entry)); err != nil {
		return Entry{}, fmt.Errorf("persist %s chain: %w", s.scope, err)
	}
	s.logger.Debug("ledger entry appended", "action", action, "subjectId", subjectID, "hash", entry.SequenceHash)
	return entry, nil
}

// All returns the full chain in append order.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Load(ctx, s.scope)
}

// EntriesFor returns the entries concerning subjectID, oldest first.
func (s *Store) EntriesFor(ctx context.Context, subjectID string) ([]Entry, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0)
	for _, e := range all {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Verify re-reads the chain from the backend and checks every link.
// A mismatch yields (false, *ChainError).
func (s *Store) Verify(ctx context.Context) (bool, error) {
	entries, err := s.All(ctx)
	if err != nil {
		return false, err
	}
	if err := VerifyEntries(entries); err != nil {
		return false, err
	}
	return true, nil
}

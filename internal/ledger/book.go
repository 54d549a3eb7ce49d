package ledger

import (
	"context"
	"log/slog"
	"sync"
)

// GlobalScope is the chain every sensitive action is recorded in.
const GlobalScope = "global"

// Notifier receives entries after they have been durably appended.
type Notifier interface {
	Notify(ctx context.Context, scope string, entry Entry)
}

// Book owns the chains of one ledger: the global chain and, optionally, one
// chain per subject.
type Book struct {
	backend       Backend
	logger        *slog.Logger
	notifier      Notifier
	subjectChains bool

	mu     sync.Mutex
	global *Store
	scopes map[string]*Store
}

type BookOption func(*Book)

// WithNotifier forwards appended global entries to n.
func WithNotifier(n Notifier) BookOption {
	return func(b *Book) { b.notifier = n }
}

// WithSubjectChains additionally records each entry in a chain of its own
// subject.
func WithSubjectChains(enabled bool) BookOption {
	return func(b *Book) { b.subjectChains = enabled }
}

func NewBook(ctx context.Context, backend Backend, logger *slog.Logger, opts ...BookOption) (*Book, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Book{
		backend: backend,
		logger:  logger,
		scopes:  map[string]*Store{},
	}
	for _, opt := range opts {
		opt(b)
	}
	global, err := OpenStore(ctx, GlobalScope, backend, logger)
	if err != nil {
		return nil, err
	}
	b.global = global
	b.scopes[GlobalScope] = global
	return b, nil
}

// Global returns the global chain.
func (b *Book) Global() *Store { return b.global }

// Scope opens (once) and returns the chain named scope.
func (b *Book) Scope(ctx context.Context, scope string) (*Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.scopes[scope]; ok {
		return s, nil
	}
	s, err := OpenStore(ctx, scope, b.backend, b.logger)
	if err != nil {
		return nil, err
	}
	b.scopes[scope] = s
	return s, nil
}

// SubjectScope is the scope name of subjectID's own chain.
func SubjectScope(subjectID string) string {
	return "subject-" + subjectID
}

// Record appends to the global chain and, when subject chains are enabled,
// to the subject's chain. The global entry is returned.
func (b *Book) Record(ctx context.Context, subjectID string, action Action, metadata map[string]string) (Entry, error) {
	entry, err := b.global.Append(ctx, subjectID, action, metadata)
	if err != nil {
		return Entry{}, err
	}
	if b.notifier != nil {
		b.notifier.Notify(ctx, GlobalScope, entry)
	}
	if b.subjectChains {
		scope := SubjectScope(subjectID)
		if validScope(scope) != nil {
			b.logger.Warn("subject cannot own a chain, skipped", "subjectId", subjectID)
			return entry, nil
		}
		sub, err := b.Scope(ctx, scope)
		if err == nil {
			_, err = sub.Append(ctx, subjectID, action, metadata)
		}
		if err != nil {
			b.logger.Error("subject chain append failed", "subjectId", subjectID, "action", action, "error", err)
		}
	}
	return entry, nil
}

// Scopes lists the chains present in the backend.
func (b *Book) Scopes(ctx context.Context) ([]string, error) {
	return b.backend.Scopes(ctx)
}

// VerifyAll checks every stored chain and returns the scopes that failed.
func (b *Book) VerifyAll(ctx context.Context) (map[string]error, error) {
	failed, err := VerifyBackend(ctx, b.backend)
	if err != nil {
		return nil, err
	}
	for scope, ferr := range failed {
		b.logger.Warn("ledger chain failed verification", "scope", scope, "error", ferr)
	}
	return failed, nil
}

// VerifyBackend reads every chain straight from backend and checks it. A
// damaged chain is reported with ErrCorruptStore and left as found; nothing
// is reset.
func VerifyBackend(ctx context.Context, backend Backend) (map[string]error, error) {
	scopes, err := backend.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	failed := map[string]error{}
	for _, scope := range scopes {
		entries, err := backend.Load(ctx, scope)
		if err == nil {
			err = VerifyEntries(entries)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			failed[scope] = err
		}
	}
	return failed, nil
}

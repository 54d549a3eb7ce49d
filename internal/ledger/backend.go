package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Backend persists chains by scope.
type Backend interface {
	// Load returns the chain for scope in append order, or an empty chain when
	// nothing was stored yet. Undecodable data is reported as ErrCorruptStore.
	Load(ctx context.Context, scope string) ([]Entry, error)
	// Append stores chain, whose last element is the entry being appended.
	Append(ctx context.Context, scope string, chain []Entry) error
	// Reset discards whatever is stored for scope.
	Reset(ctx context.Context, scope string) error
	// Scopes lists every scope that has been stored.
	Scopes(ctx context.Context) ([]string, error)
}

var scopePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

func validScope(scope string) error {
	if !scopePattern.MatchString(scope) {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return nil
}

// FileBackend keeps one JSON array per scope under Dir. The whole file is
// rewritten on every append, which keeps the layout trivially inspectable but
// bounds a chain to what fits in memory.
type FileBackend struct {
	Dir string

	mu sync.Mutex
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &FileBackend{Dir: dir}, nil
}

func (b *FileBackend) path(scope string) string {
	return filepath.Join(b.Dir, scope+".json")
}

func (b *FileBackend) Load(ctx context.Context, scope string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validScope(scope); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(b.path(scope))
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return []Entry{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func (b *FileBackend) Append(ctx context.Context, scope string, chain []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validScope(scope); err != nil {
		return err
	}
	body, err := json.MarshalIndent(chain, "", "    ")
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFileAtomic(b.path(scope), body)
}

// Reset moves a damaged chain aside, keeping it for inspection, and starts
// an empty one.
func (b *FileBackend) Reset(ctx context.Context, scope string) error {
	if err := validScope(scope); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.path(scope)
	if _, err := os.Stat(p); err == nil {
		aside := fmt.Sprintf("%s.corrupt-%d", p, time.Now().UTC().UnixNano())
		if err := os.Rename(p, aside); err != nil {
			return err
		}
	}
	return writeFileAtomic(p, []byte("[]"))
}

func (b *FileBackend) Scopes(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.Dir, "*.json"))
	if err != nil {
		return nil, err
	}
	scopes := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".json")
		if validScope(name) == nil {
			scopes = append(scopes, name)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

func writeFileAtomic(path string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBBackend stores each entry under "<scope>/<index>", zero padded so
// that key order is append order.
type LevelDBBackend struct {
	db *leveldb.DB
}

func OpenLevelDBBackend(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBBackend{db: db}, nil
}

func (b *LevelDBBackend) Close() error {
	return b.db.Close()
}

func entryKey(scope string, index int) []byte {
	return []byte(fmt.Sprintf("%s/%020d", scope, index))
}

func (b *LevelDBBackend) Load(ctx context.Context, scope string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validScope(scope); err != nil {
		return nil, err
	}
	iter := b.db.NewIterator(util.BytesPrefix([]byte(scope+"/")), nil)
	defer iter.Release()

	entries := []Entry{}
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCorruptStore, iter.Key(), err)
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	return entries, nil
}

// Append writes only the tail entry; earlier entries are already stored.
func (b *LevelDBBackend) Append(ctx context.Context, scope string, chain []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validScope(scope); err != nil {
		return err
	}
	if len(chain) == 0 {
		return nil
	}
	last := len(chain) - 1
	body, err := json.Marshal(chain[last])
	if err != nil {
		return err
	}
	return b.db.Put(entryKey(scope, last), body, nil)
}

func (b *LevelDBBackend) Reset(ctx context.Context, scope string) error {
	if err := validScope(scope); err != nil {
		return err
	}
	iter := b.db.NewIterator(util.BytesPrefix([]byte(scope+"/")), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		batch.Delete(key)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return b.db.Write(batch, nil)
}

func (b *LevelDBBackend) Scopes(ctx context.Context) ([]string, error) {
	iter := b.db.NewIterator(nil, nil)
	defer iter.Release()
	seen := map[string]struct{}{}
	for iter.Next() {
		key := string(iter.Key())
		if i := strings.IndexByte(key, '/'); i > 0 {
			seen[key[:i]] = struct{}{}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	scopes := make([]string, 0, len(seen))
	for s := range seen {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes, nil
}

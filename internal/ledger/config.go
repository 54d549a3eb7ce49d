package ledger

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

type Config struct {
	Backend       string
	Dir           string
	LevelDBPath   string
	SubjectChains bool
}

func LoadConfig() Config {
	return Config{
		Backend:       getenv("LEDGER_BACKEND", "file"),
		Dir:           getenv("LEDGER_DIR", "data/blockchain"),
		LevelDBPath:   getenv("LEDGER_LEVELDB_PATH", "data/ledger.db"),
		SubjectChains: getBool("LEDGER_SUBJECT_CHAINS", true),
	}
}

// OpenBackend builds the backend selected by cfg. The returned closer is
// never nil.
func OpenBackend(cfg Config) (Backend, io.Closer, error) {
	switch cfg.Backend {
	case "", "file":
		b, err := NewFileBackend(cfg.Dir)
		return b, nopCloser{}, err
	case "leveldb":
		b, err := OpenLevelDBBackend(cfg.LevelDBPath)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return b, b, nil
	default:
		return nil, nopCloser{}, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

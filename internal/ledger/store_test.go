package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newFileStore(t *testing.T) (*Store, *FileBackend) {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	store, err := OpenStore(context.Background(), GlobalScope, backend, nil)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	return store, backend
}

func TestAppend_LinksToGenesisAndPredecessor(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, "00042", ActionEHRUploaded, map[string]string{"file": "a.json"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.PreviousHash != Genesis {
		t.Errorf("first.PreviousHash = %s, want %s", first.PreviousHash, Genesis)
	}
	second, err := store.Append(ctx, "Admin", ActionDownloadAllEHRs, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if second.PreviousHash != first.SequenceHash {
		t.Errorf("second.PreviousHash = %s, want %s", second.PreviousHash, first.SequenceHash)
	}
	if len(first.SequenceHash) != 64 {
		t.Errorf("hash length = %d, want 64", len(first.SequenceHash))
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Error("timestamps must not decrease")
	}
}

func TestAppend_RejectsUnknownActionAndEmptySubject(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	if _, err := store.Append(ctx, "00001", Action("DROP_TABLE"), nil); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("Append(unknown) error = %v, want ErrUnknownAction", err)
	}
	if _, err := store.Append(ctx, "", ActionLogin, nil); !errors.Is(err, ErrMissingSubject) {
		t.Errorf("Append(no subject) error = %v, want ErrMissingSubject", err)
	}
	all, _ := store.All(ctx)
	if len(all) != 0 {
		t.Errorf("chain length = %d, want 0", len(all))
	}
}

func TestAppend_ClampsTimestampToPredecessor(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base }
	if _, err := store.Append(ctx, "00001", ActionLogin, nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	store.now = func() time.Time { return base.Add(-time.Hour) }
	e, err := store.Append(ctx, "00001", ActionLogin, nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !e.Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want clamped to %v", e.Timestamp, base)
	}
	if ok, err := store.Verify(ctx); !ok {
		t.Fatalf("Verify() = false, %v", err)
	}
}

func TestVerify_FreshChainIsValid(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		subject := fmt.Sprintf("%05d", i%3)
		if _, err := store.Append(ctx, subject, ActionLogin, map[string]string{"n": fmt.Sprint(i)}); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}
	ok, err := store.Verify(ctx)
	if !ok || err != nil {
		t.Fatalf("Verify() = %v, %v; want true, nil", ok, err)
	}
}

func TestVerify_DetectsTamperedMetadata(t *testing.T) {
	store, backend := newFileStore(t)
	ctx := context.Background()

	for _, f := range []string{"a.json", "b.txt", "c.pdf"} {
		if _, err := store.Append(ctx, "00042", ActionEHRUploaded, map[string]string{"file": f}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	for target := 0; target < 3; target++ {
		t.Run(fmt.Sprintf("entry %d", target), func(t *testing.T) {
			entries, err := backend.Load(ctx, GlobalScope)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			entries[target].Metadata["file"] = "forged.json"
			if err := backend.Append(ctx, GlobalScope, entries); err != nil {
				t.Fatalf("write tampered chain: %v", err)
			}
			defer func() {
				entries[target].Metadata["file"] = []string{"a.json", "b.txt", "c.pdf"}[target]
				_ = backend.Append(ctx, GlobalScope, entries)
			}()

			ok, err := store.Verify(ctx)
			if ok {
				t.Fatal("Verify() = true after tampering")
			}
			var chainErr *ChainError
			if !errors.As(err, &chainErr) {
				t.Fatalf("Verify() error = %v, want *ChainError", err)
			}
			if chainErr.Index != target {
				t.Errorf("ChainError.Index = %d, want %d", chainErr.Index, target)
			}
		})
	}
}

func TestEntriesFor_ReturnsNewEntryLast(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	_, _ = store.Append(ctx, "00042", ActionLogin, nil)
	_, _ = store.Append(ctx, "00007", ActionLogin, nil)
	appended, err := store.Append(ctx, "00042", ActionEHRUploaded, map[string]string{"file": "x.json"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := store.EntriesFor(ctx, "00042")
	if err != nil {
		t.Fatalf("EntriesFor() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("EntriesFor() returned %d entries, want 2", len(got))
	}
	if got[len(got)-1].SequenceHash != appended.SequenceHash {
		t.Error("appended entry is not last in append order")
	}
	if newest := Newest(got); newest[0].SequenceHash != appended.SequenceHash {
		t.Error("Newest() should put the appended entry first")
	}

	none, err := store.EntriesFor(ctx, "99999")
	if err != nil || len(none) != 0 {
		t.Errorf("EntriesFor(unknown) = %v, %v; want empty", none, err)
	}
}

func TestAppend_ConcurrentWritersDoNotFork(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := store.Append(ctx, fmt.Sprintf("%05d", i), ActionLogin, nil); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != writers {
		t.Fatalf("chain length = %d, want %d", len(all), writers)
	}
	if err := VerifyEntries(all); err != nil {
		t.Fatalf("VerifyEntries() error = %v", err)
	}
}

func TestOpenStore_ResetsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, GlobalScope+".json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	store, err := OpenStore(context.Background(), GlobalScope, backend, nil)
	if err != nil {
		t.Fatalf("OpenStore() error = %v, want recovery", err)
	}
	all, err := store.All(context.Background())
	if err != nil || len(all) != 0 {
		t.Fatalf("All() = %v, %v; want empty chain", all, err)
	}
	aside, _ := filepath.Glob(path + ".corrupt-*")
	if len(aside) != 1 {
		t.Errorf("expected damaged file to be kept aside, found %v", aside)
	}
}

func TestFileBackend_LayoutIsJSONArray(t *testing.T) {
	store, backend := newFileStore(t)
	ctx := context.Background()
	if _, err := store.Append(ctx, "00042", ActionEHRUploaded, map[string]string{"file": "a.json"}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(backend.Dir, GlobalScope+".json"))
	if err != nil {
		t.Fatal(err)
	}
	var generic []map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("ledger file is not a JSON array: %v", err)
	}
	want := []string{"sequence_hash", "previous_hash", "timestamp", "subject_id", "action", "metadata"}
	if len(generic[0]) != len(want) {
		t.Errorf("entry has %d fields, want %d", len(generic[0]), len(want))
	}
	for _, k := range want {
		if _, ok := generic[0][k]; !ok {
			t.Errorf("entry missing field %q", k)
		}
	}
}

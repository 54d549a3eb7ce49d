package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ComputeHash returns the sequence hash of e. The payload is every field
// except SequenceHash, serialized as JSON with sorted keys so that the digest
// does not depend on struct field order.
func ComputeHash(e Entry) string {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	payload := map[string]any{
		"previous_hash": e.PreviousHash,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"subject_id":    e.SubjectID,
		"action":        string(e.Action),
		"metadata":      meta,
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChainError locates the first entry that breaks a chain.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain broken at entry %d: %s", e.Index, e.Reason)
}

// VerifyEntries recomputes every hash and checks linkage, oldest first.
func VerifyEntries(entries []Entry) error {
	prev := Genesis
	var prevTs time.Time
	for i, e := range entries {
		if e.PreviousHash != prev {
			return &ChainError{Index: i, Reason: "previous_hash does not match predecessor"}
		}
		if got := ComputeHash(e); got != e.SequenceHash {
			return &ChainError{Index: i, Reason: "sequence_hash does not match content"}
		}
		if i > 0 && e.Timestamp.Before(prevTs) {
			return &ChainError{Index: i, Reason: "timestamp earlier than predecessor"}
		}
		prev = e.SequenceHash
		prevTs = e.Timestamp
	}
	return nil
}

// Newest returns a copy of entries in display order, newest first.
func Newest(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

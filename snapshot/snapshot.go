// Package snapshot builds and persists the deduplicated result of one ingestion run.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marketplace-listing-sync/listing"
)

// Snapshot is the immutable artifact of one ingestion run.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Store       string         `json:"store"`
	Items       []listing.Item `json:"items"`
}

// Dedup keeps the first item per matching key, preserving order. Items without
// any key are dropped.
func Dedup(items []listing.Item) []listing.Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]listing.Item, 0, len(items))
	for _, it := range items {
		k := it.MatchingKey()
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Build assembles a snapshot stamped with now (UTC, millisecond precision).
func Build(store string, items []listing.Item, now time.Time) Snapshot {
	return Snapshot{
		GeneratedAt: now.UTC().Truncate(time.Millisecond),
		Store:       strings.TrimSpace(store),
		Items:       Dedup(items),
	}
}

// Encode renders the document as indented JSON with a trailing newline.
func Encode(s Snapshot) ([]byte, error) {
	if s.Items == nil {
		s.Items = []listing.Item{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write replaces the file at path. The document goes to a temp file in the same
// directory first, so readers never observe a partial snapshot.
func Write(path string, s Snapshot) error {
	b, err := Encode(s)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Decode parses a snapshot document.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, &listing.ValidationError{Source: "snapshot", Msg: fmt.Sprintf("invalid document: %v", err)}
	}
	return s, nil
}

// Load reads a snapshot written by Write (or by any producer of the same JSON shape).
func Load(path string) (Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	return Decode(b)
}

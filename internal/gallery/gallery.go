// Package gallery loads and saves the snapshot of known identities used for matching.
//
// A snapshot is a gob stream of two parallel slices: Encodings[i] belongs to Names[i].
// Several entries may share a name (one per reference photo). A loaded Store is never
// mutated, so one instance can be shared by any number of sessions without locking.
package gallery

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/visitwatch/internal/types"
)

// Snapshot is the on-disk shape of the gallery.
type Snapshot struct {
	Encodings [][]float64
	Names     []string
}

// Entry is one reference encoding and its identity label.
type Entry struct {
	Label     string
	Embedding types.Embedding
}

// Store is a read-only, ordered list of gallery entries.
type Store struct {
	labels     []string
	embeddings []types.Embedding
}

// Identity summarizes one label in the gallery.
type Identity struct {
	Name       string
	References int
}

// Load reads and validates a snapshot. Every failure wraps types.ErrGalleryLoad.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrGalleryLoad, err)
	}
	defer f.Close()

	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", types.ErrGalleryLoad, path, err)
	}

	s, err := FromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrGalleryLoad, path, err)
	}
	return s, nil
}

// FromSnapshot validates the parallel slices and copies them into a Store.
func FromSnapshot(snap Snapshot) (*Store, error) {
	if len(snap.Names) != len(snap.Encodings) {
		return nil, fmt.Errorf("schema mismatch: %d names but %d encodings", len(snap.Names), len(snap.Encodings))
	}
	s := &Store{
		labels:     make([]string, len(snap.Names)),
		embeddings: make([]types.Embedding, len(snap.Encodings)),
	}
	for i, name := range snap.Names {
		if name == "" {
			return nil, fmt.Errorf("entry %d has an empty label", i)
		}
		if len(snap.Encodings[i]) != types.EmbeddingDim {
			return nil, fmt.Errorf("entry %d (%s) has %d dimensions, want %d", i, name, len(snap.Encodings[i]), types.EmbeddingDim)
		}
		s.labels[i] = name
		s.embeddings[i] = append(types.Embedding(nil), snap.Encodings[i]...)
	}
	return s, nil
}

// New builds a Store from entries. Used by tests and the batch builder.
func New(entries ...Entry) (*Store, error) {
	var snap Snapshot
	for _, e := range entries {
		snap.Names = append(snap.Names, e.Label)
		snap.Encodings = append(snap.Encodings, e.Embedding)
	}
	return FromSnapshot(snap)
}

// Len is the number of entries.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.labels)
}

// Label returns the label of entry i.
func (s *Store) Label(i int) string { return s.labels[i] }

// Embedding returns the reference encoding of entry i. Callers must not modify it.
func (s *Store) Embedding(i int) types.Embedding { return s.embeddings[i] }

// Entries returns a copy of all entries in order.
func (s *Store) Entries() []Entry {
	out := make([]Entry, s.Len())
	for i := range out {
		out[i] = Entry{Label: s.labels[i], Embedding: s.embeddings[i]}
	}
	return out
}

// Identities lists every label with its number of reference encodings, sorted by name.
func (s *Store) Identities() []Identity {
	counts := make(map[string]int)
	for _, l := range s.labels {
		counts[l]++
	}
	out := make([]Identity, 0, len(counts))
	for name, n := range counts {
		out = append(out, Identity{Name: name, References: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns the store in its on-disk shape.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Encodings: make([][]float64, s.Len()),
		Names:     make([]string, s.Len()),
	}
	for i := range snap.Names {
		snap.Names[i] = s.labels[i]
		snap.Encodings[i] = s.embeddings[i]
	}
	return snap
}

// Save writes the store to path. The file is replaced atomically so a running
// session never observes a half-written snapshot.
func (s *Store) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create gallery directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gallery-*")
	if err != nil {
		return fmt.Errorf("create gallery file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(s.Snapshot()); err != nil {
		tmp.Close()
		return fmt.Errorf("encode gallery: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write gallery: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

package gallery

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/visitwatch/internal/dataset"
	"github.com/andresmejia3/visitwatch/internal/face"
	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/types"
)

func vec(v float64) []float64 {
	e := make([]float64, types.EmbeddingDim)
	e[0] = v
	return e
}

func writeSnapshot(t *testing.T, snap Snapshot) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "encodings.gob")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, gob.NewEncoder(f).Encode(snap))
	return path
}

func TestLoadSaveRoundTrip(t *testing.T) {
	s, err := New(
		Entry{Label: "Alice", Embedding: vec(0.1)},
		Entry{Label: "Bob", Embedding: vec(0.2)},
		Entry{Label: "Alice", Embedding: vec(0.3)},
	)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "encodings.gob")
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.Entries(), loaded.Entries())
	assert.Equal(t, []Identity{{Name: "Alice", References: 2}, {Name: "Bob", References: 1}}, loaded.Identities())
}

func TestLoadFailures(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.gob")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a gob stream"), 0644))

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.gob")},
		{"corrupt file", corrupt},
		{"length mismatch", writeSnapshot(t, Snapshot{Encodings: [][]float64{vec(1)}, Names: []string{"a", "b"}})},
		{"wrong dimension", writeSnapshot(t, Snapshot{Encodings: [][]float64{{1, 2, 3}}, Names: []string{"a"}})},
		{"empty label", writeSnapshot(t, Snapshot{Encodings: [][]float64{vec(1)}, Names: []string{""}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Load(tt.path)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, types.ErrGalleryLoad)
		})
	}
}

func TestEmptySnapshotIsValid(t *testing.T) {
	s, err := Load(writeSnapshot(t, Snapshot{}))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestStoreDoesNotAliasSnapshot(t *testing.T) {
	snap := Snapshot{Encodings: [][]float64{vec(1)}, Names: []string{"Alice"}}
	s, err := FromSnapshot(snap)
	require.NoError(t, err)

	snap.Encodings[0][0] = 42
	assert.Equal(t, 1.0, s.Embedding(0)[0])
}

func writeJPEG(t *testing.T, path string) {
	t.Helper()
	data, err := frame.New(16, 16).JPEG(frame.DefaultQuality)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestBuilderSkipsAmbiguousImages(t *testing.T) {
	root := t.TempDir()
	writeJPEG(t, filepath.Join(root, "Alice", "a1.jpg"))
	writeJPEG(t, filepath.Join(root, "Alice", "a2.jpg"))
	writeJPEG(t, filepath.Join(root, "Bob", "b1.jpg"))
	writeJPEG(t, filepath.Join(root, "Bob", "b2.jpg"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Bob", "b3.jpg"), []byte("garbage"), 0644))

	one := func(v float64) []types.Detection {
		return []types.Detection{{Region: types.Region{Right: 8, Bottom: 8}, Embedding: vec(v)}}
	}
	two := []types.Detection{
		{Region: types.Region{Right: 4, Bottom: 4}, Embedding: vec(5)},
		{Region: types.Region{Left: 5, Right: 9, Bottom: 4}, Embedding: vec(6)},
	}
	eng := face.NewScripted(one(0.1), nil, two, one(0.4))

	b := &Builder{Locator: eng, Embedder: eng}
	s, report, err := b.Build(context.Background(), dataset.Dir{Root: root})
	require.NoError(t, err)

	assert.Equal(t, 5, report.Images)
	assert.Equal(t, 2, report.Encoded)
	require.Len(t, report.Skipped, 3)
	assert.Equal(t, 0, report.Skipped[0].Faces)
	assert.Equal(t, 2, report.Skipped[1].Faces)
	assert.Equal(t, filepath.Join(root, "Bob", "b3.jpg"), report.Skipped[2].Path)

	require.Equal(t, 2, s.Len())
	assert.Equal(t, "Alice", s.Label(0))
	assert.Equal(t, 0.1, s.Embedding(0)[0])
	assert.Equal(t, "Bob", s.Label(1))
	assert.Equal(t, 0.4, s.Embedding(1)[0])
}

func TestBuilderStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	writeJPEG(t, filepath.Join(root, "Alice", "a1.jpg"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := face.NewScripted()
	_, _, err := (&Builder{Locator: eng, Embedder: eng}).Build(ctx, dataset.Dir{Root: root})
	assert.ErrorIs(t, err, context.Canceled)
}

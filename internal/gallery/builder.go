package gallery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/visitwatch/internal/dataset"
	"github.com/andresmejia3/visitwatch/internal/face"
	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/types"
)

// Builder regenerates a gallery from the dataset tree.
type Builder struct {
	Locator  face.Locator
	Embedder face.Embedder
	Logger   *slog.Logger
	// Progress receives a progress bar when non-nil.
	Progress io.Writer
}

// Skipped records an image that did not contribute a reference encoding.
type Skipped struct {
	Path  string
	Faces int
	Err   error
}

// Report summarizes a build.
type Report struct {
	Images  int
	Encoded int
	Skipped []Skipped
}

// Build encodes every reference photo that contains exactly one face. Images with zero or several
// faces, or that fail to decode or encode, are skipped with a warning; the job carries on.
// Only context cancellation aborts it.
func (b *Builder) Build(ctx context.Context, d dataset.Dir) (*Store, Report, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	images, err := d.Walk()
	if err != nil {
		return nil, Report{}, err
	}
	report := Report{Images: len(images)}

	var bar *progressbar.ProgressBar
	if b.Progress != nil {
		bar = progressbar.NewOptions(len(images),
			progressbar.OptionSetDescription("🧬 Encoding dataset"),
			progressbar.OptionSetWriter(b.Progress),
			progressbar.OptionShowCount(),
		)
	}

	var entries []Entry
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		if bar != nil {
			bar.Add(1)
		}

		vec, faces, err := b.encodeOne(ctx, img.Path)
		if err != nil {
			logger.Warn("skipping reference image", "path", img.Path, "faces", faces, "error", err)
			report.Skipped = append(report.Skipped, Skipped{Path: img.Path, Faces: faces, Err: err})
			continue
		}
		entries = append(entries, Entry{Label: img.Label, Embedding: vec})
	}
	if bar != nil {
		bar.Finish()
	}

	store, err := New(entries...)
	if err != nil {
		return nil, report, err
	}
	report.Encoded = store.Len()
	return store, report, nil
}

func (b *Builder) encodeOne(ctx context.Context, path string) (types.Embedding, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	fr, err := frame.Decode(f)
	f.Close()
	if err != nil {
		return nil, 0, err
	}

	regions, err := b.Locator.Locate(ctx, fr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", types.ErrDetection, err)
	}
	if len(regions) != 1 {
		return nil, len(regions), fmt.Errorf("found %d faces, want exactly 1", len(regions))
	}

	vecs, err := b.Embedder.Encode(ctx, fr, regions)
	if err != nil {
		return nil, 1, fmt.Errorf("%w: %w", types.ErrEncode, err)
	}
	if len(vecs) != 1 {
		return nil, 1, fmt.Errorf("%w: got %d encodings for 1 face", types.ErrEncode, len(vecs))
	}
	return vecs[0], 1, nil
}

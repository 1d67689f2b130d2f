//go:build dlib

package face

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	goface "github.com/Kagami/go-face"

	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/types"
)

// DlibEngine runs dlib's HOG detector and ResNet encoder in-process through go-face.
//
// go-face detects and encodes in one pass, so Locate keeps the descriptors of the frame it saw
// and the following Encode on that frame serves them back. Encode drops them; Locate always
// recognizes afresh.
type DlibEngine struct {
	mu   sync.Mutex
	rec  *goface.Recognizer
	last *frame.Frame
	seen []goface.Face
}

// NewDlibEngine loads shape_predictor_5_face_landmarks.dat and
// dlib_face_recognition_resnet_model_v1.dat from modelDir.
func NewDlibEngine(modelDir string) (*DlibEngine, error) {
	rec, err := goface.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("load dlib models from %s: %w", modelDir, err)
	}
	return &DlibEngine{rec: rec}, nil
}

func (e *DlibEngine) recognize(f *frame.Frame, reuse bool) ([]goface.Face, error) {
	if reuse && f == e.last {
		return e.seen, nil
	}
	// go-face decodes JPEG into RGB itself; encoding from RGB keeps colors right.
	var buf bytes.Buffer
	if err := f.EncodeJPEG(&buf, frame.DefaultQuality); err != nil {
		return nil, err
	}
	faces, err := e.rec.Recognize(buf.Bytes())
	if err != nil {
		return nil, err
	}
	e.last, e.seen = f, faces
	return faces, nil
}

func (e *DlibEngine) Locate(ctx context.Context, f *frame.Frame) ([]types.Region, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	faces, err := e.recognize(f, false)
	if err != nil {
		return nil, err
	}
	regions := make([]types.Region, len(faces))
	for i, fc := range faces {
		r := fc.Rectangle
		regions[i] = types.Region{Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Left: r.Min.X}
	}
	return regions, nil
}

func (e *DlibEngine) Encode(ctx context.Context, f *frame.Frame, regions []types.Region) ([]types.Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.last, e.seen = nil, nil }()

	if len(regions) == 0 {
		return []types.Embedding{}, nil
	}
	faces, err := e.recognize(f, true)
	if err != nil {
		return nil, err
	}
	out := make([]types.Embedding, len(regions))
	for i, r := range regions {
		idx := -1
		for j, fc := range faces {
			if fc.Rectangle == r.Rect() {
				idx = j
				break
			}
		}
		if idx == -1 {
			return nil, fmt.Errorf("region %v was not produced by this engine", r)
		}
		vec := make(types.Embedding, len(faces[idx].Descriptor))
		for k, v := range faces[idx].Descriptor {
			vec[k] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}

// Close releases the dlib models.
func (e *DlibEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		e.rec.Close()
		e.rec = nil
	}
	e.last, e.seen = nil, nil
	return nil
}

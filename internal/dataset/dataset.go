// Package dataset manages the reference image tree: one subdirectory per identity label,
// each holding that person's reference photos.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/andresmejia3/visitwatch/internal/frame"
)

// ErrInvalidLabel is returned for labels that cannot be used as a directory name.
var ErrInvalidLabel = errors.New("invalid identity label")

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Dir is a dataset rooted at Root.
type Dir struct {
	Root string
}

// Image is one reference photo.
type Image struct {
	Label string
	Path  string
}

// ValidateLabel rejects labels that would escape the dataset root.
func ValidateLabel(label string) error {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" || trimmed == "." || trimmed == ".." || strings.ContainsAny(label, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return nil
}

// Identities lists the identity subdirectories, sorted. A missing root is an empty dataset.
func (d Dir) Identities() ([]string, error) {
	entries, err := os.ReadDir(d.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", d.Root, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Images lists the reference photos of one identity, sorted by file name.
func (d Dir) Images(label string) ([]string, error) {
	dir := filepath.Join(d.Root, label)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", label, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Walk returns every reference photo, grouped by identity in sorted order.
func (d Dir) Walk() ([]Image, error) {
	labels, err := d.Identities()
	if err != nil {
		return nil, err
	}
	var out []Image
	for _, label := range labels {
		paths, err := d.Images(label)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			out = append(out, Image{Label: label, Path: p})
		}
	}
	return out, nil
}

// SaveCapture writes crop as a new JPEG under the identity's directory and returns its path.
// Files are named <stem>_<unix-millis>.jpg and created exclusively; an existing capture is never
// overwritten, a numeric suffix is added instead.
func (d Dir) SaveCapture(label string, crop *frame.Frame, at time.Time) (string, error) {
	if err := ValidateLabel(label); err != nil {
		return "", err
	}
	data, err := crop.JPEG(frame.DefaultQuality)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(d.Root, label)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create identity directory: %w", err)
	}

	base := fmt.Sprintf("%s_%d", FileStem(label), at.UnixMilli())
	for n := 0; n < 100; n++ {
		name := base + ".jpg"
		if n > 0 {
			name = fmt.Sprintf("%s_%d.jpg", base, n)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create capture: %w", err)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil {
			return "", fmt.Errorf("write capture: %w", werr)
		}
		if cerr != nil {
			return "", fmt.Errorf("write capture: %w", cerr)
		}
		return path, nil
	}
	return "", fmt.Errorf("create capture: too many files named %s", base)
}

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// FileStem turns a label into a portable file name prefix ("José Núñez" -> "Jose_Nunez").
func FileStem(label string) string {
	s := RemoveDiacritics(strings.TrimSpace(label))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "capture"
	}
	return b.String()
}

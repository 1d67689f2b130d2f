// Package visits appends and reads the CSV visit log.
//
// The file has a single header row, timestamp,name,confidence, followed by one row per event.
// Timestamps are epoch seconds; converting them to a display timezone is left to presentation code.
package visits

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/visitwatch/internal/types"
)

// Header is the first row of every visit log.
var Header = []string{"timestamp", "name", "confidence"}

// Append writes one event to the log at path, creating the file and its header first if needed.
// The file is opened and closed on every call. The row is written with a single write so
// appenders in other processes do not split it. Failures wrap types.ErrLogWrite.
func Append(path string, ev types.VisitEvent) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %w", types.ErrLogWrite, err)
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	switch {
	case err == nil:
		// We created the file, so the header is ours to write.
		w.Write(Header)
	case errors.Is(err, os.ErrExist):
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("%w: %w", types.ErrLogWrite, err)
		}
	default:
		return fmt.Errorf("%w: %w", types.ErrLogWrite, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: %w", types.ErrLogWrite, cerr)
		}
	}()

	w.Write(encodeRow(ev))
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrLogWrite, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", types.ErrLogWrite, err)
	}
	return nil
}

// Read returns every event in file order. A missing file is an empty log.
// Any other failure is logged and also yields an empty log, since the result is only displayed.
func Read(path string) []types.VisitEvent {
	events, err := ReadFile(path)
	if err != nil {
		slog.Warn("treating visit log as empty", "path", path, "error", err)
		return nil
	}
	return events
}

// ReadFile is Read with the error surfaced. A missing file is not an error.
// Other failures wrap types.ErrLogRead. Rows that do not parse are skipped.
func ReadFile(path string) ([]types.VisitEvent, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrLogRead, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a visit log stream.
func Parse(r io.Reader) ([]types.VisitEvent, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var events []types.VisitEvent
	for line := 0; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, fmt.Errorf("%w: %w", types.ErrLogRead, err)
		}
		if line == 0 && len(rec) > 0 && rec[0] == Header[0] {
			continue
		}
		ev, ok := decodeRow(rec)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func encodeRow(ev types.VisitEvent) []string {
	secs := float64(ev.Timestamp.Unix()) + float64(ev.Timestamp.Nanosecond())/float64(time.Second)
	return []string{
		strconv.FormatFloat(secs, 'f', -1, 64),
		ev.Name,
		strconv.FormatFloat(ev.Confidence, 'f', -1, 64),
	}
}

func decodeRow(rec []string) (types.VisitEvent, bool) {
	if len(rec) != len(Header) {
		return types.VisitEvent{}, false
	}
	secs, err := strconv.ParseFloat(rec[0], 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return types.VisitEvent{}, false
	}
	conf, err := strconv.ParseFloat(rec[2], 64)
	if err != nil {
		return types.VisitEvent{}, false
	}
	whole, frac := math.Modf(secs)
	return types.VisitEvent{
		Timestamp:  time.Unix(int64(whole), int64(math.Round(frac*1e9))),
		Name:       rec[1],
		Confidence: conf,
	}, true
}

// Logger serializes appends to one log file within this process.
// Appends from other processes are not locked; each row is still a single write.
type Logger struct {
	Path string
	mu   sync.Mutex
}

// NewLogger returns a Logger for path.
func NewLogger(path string) *Logger {
	return &Logger{Path: path}
}

// Append writes one event.
func (l *Logger) Append(ev types.VisitEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Append(l.Path, ev)
}

// Read returns every logged event.
func (l *Logger) Read() []types.VisitEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Read(l.Path)
}

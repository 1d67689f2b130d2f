package utils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/andresmejia3/visitwatch/internal/frame"
)

const megabyte = 1024 * 1024

// FrameReader decodes a concatenated MJPEG stream (as produced by NewFFmpegCmd) into frames.
type FrameReader struct {
	scanner *bufio.Scanner
	// Frames counts JPEG tokens read, including ones that failed to decode.
	Frames int
}

// NewFrameReader reads JPEG frames from r.
func NewFrameReader(r io.Reader) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)
	return &FrameReader{scanner: scanner}
}

// Next returns the next decodable frame, io.EOF at the end of the stream, or ctx's error.
// Corrupt frames are skipped.
func (fr *FrameReader) Next(ctx context.Context) (*frame.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !fr.scanner.Scan() {
			if err := fr.scanner.Err(); err != nil {
				return nil, fmt.Errorf("frame scanner failed: %w", err)
			}
			return nil, io.EOF
		}
		fr.Frames++
		f, err := frame.DecodeBytes(fr.scanner.Bytes())
		if err != nil {
			slog.Debug("skipping undecodable frame", "index", fr.Frames, "error", err)
			continue
		}
		return f, nil
	}
}

// Pump feeds frames from fr into a channel until the stream ends or ctx is done, then closes it.
// The returned error channel yields the terminal read error (nil on a clean end of stream).
func (fr *FrameReader) Pump(ctx context.Context, buffer int) (<-chan *frame.Frame, <-chan error) {
	frames := make(chan *frame.Frame, buffer)
	errc := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			f, err := fr.Next(ctx)
			if err == io.EOF {
				errc <- nil
				return
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return frames, errc
}

// MJPEGWriter writes annotated frames back out as a concatenated MJPEG stream.
type MJPEGWriter struct {
	w       io.Writer
	quality int
}

// NewMJPEGWriter writes JPEG frames at quality to w.
func NewMJPEGWriter(w io.Writer, quality int) *MJPEGWriter {
	return &MJPEGWriter{w: w, quality: quality}
}

// WriteFrame appends one frame to the stream.
func (m *MJPEGWriter) WriteFrame(f *frame.Frame) error {
	return f.EncodeJPEG(m.w, m.quality)
}

// Package worker drives the external face engine process.
//
// The engine reads requests from stdin and writes responses to a side-channel pipe on FD 3, so its
// stdout and stderr stay free for library noise and logs. Every message in both directions is a
// big-endian uint32 length followed by that many bytes of JSON.
package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/visitwatch/internal/frame"
	"github.com/andresmejia3/visitwatch/internal/types"
	"github.com/andresmejia3/visitwatch/internal/utils" // Using the SafeCommand wrapper
)

const (
	DefaultCommand = "python3 -u python/worker.py"
	DefaultTimeout = 30 * time.Second

	// exitGrace is how long Close waits for the engine to exit on its own before killing it.
	exitGrace = 5 * time.Second

	// maxResponse guards against reading a garbage length header as a huge allocation.
	maxResponse = 16 * 1024 * 1024
)

var (
	// ErrCrashed means the engine stopped answering; the worker is unusable afterwards.
	ErrCrashed = errors.New("engine process crashed")
	// ErrEngine is an error reported by the engine for one request.
	ErrEngine = errors.New("engine error")
	// ErrProtocol is a well-formed message that does not match the request.
	ErrProtocol = errors.New("engine protocol violation")
)

type request struct {
	Op    string  `json:"op"`
	Image []byte  `json:"image"`
	Boxes [][]int `json:"boxes,omitempty"`
}

type response struct {
	Boxes [][]int     `json:"boxes"`
	Vecs  [][]float64 `json:"vecs"`
	Error string      `json:"error"`
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	mu      sync.Mutex
	broken  error
	closed  bool
	lastF   *frame.Frame
	lastJPG []byte
}

// Options configure the engine process.
type Options struct {
	// Command is the engine command line, DefaultCommand when empty.
	Command string
	// Timeout bounds each request, DefaultTimeout when zero.
	Timeout time.Duration
}

func NewPythonWorker(id int, opts Options) (*PythonWorker, error) {
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	// 1. Initialize the SafeCommand
	py, err := utils.NewSafeCommandLine(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  opts.Timeout,
	}, nil
}

// Communicate sends one framed message and waits for the framed reply.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Bound the read with the earlier of ctx's deadline and the per-call timeout.
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		deadline := time.Time{}
		if w.Timeout > 0 {
			deadline = time.Now().Add(w.Timeout)
		}
		if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
			deadline = dl
		}
		_ = d.SetReadDeadline(deadline)
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch an engine that died on import
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func (w *PythonWorker) call(ctx context.Context, req request) (*response, error) {
	if w.closed {
		return nil, fmt.Errorf("%w: worker %d is closed", ErrCrashed, w.ID)
	}
	if w.broken != nil {
		return nil, w.broken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	raw, err := w.Communicate(ctx, payload)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The reply may still arrive and would desync the stream.
			w.broken = fmt.Errorf("%w: worker %d abandoned mid-request: %w", ErrCrashed, w.ID, ctxErr)
			return nil, ctxErr
		}
		w.broken = fmt.Errorf("%w: worker %d: %w", ErrCrashed, w.ID, err)
		return nil, w.broken
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed reply: %w", ErrProtocol, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrEngine, resp.Error)
	}
	return &resp, nil
}

// jpeg encodes f. With reuse set, the bytes from the preceding Locate on the same frame are
// returned instead; Locate always encodes afresh so a frame drawn on between calls is never stale.
func (w *PythonWorker) jpeg(f *frame.Frame, reuse bool) ([]byte, error) {
	if reuse && f == w.lastF && w.lastJPG != nil {
		return w.lastJPG, nil
	}
	data, err := f.JPEG(frame.DefaultQuality)
	if err != nil {
		return nil, err
	}
	w.lastF, w.lastJPG = f, data
	return data, nil
}

func (w *PythonWorker) forget() {
	w.lastF, w.lastJPG = nil, nil
}

// Locate asks the engine for face boxes. The frame is sent as an RGB JPEG.
func (w *PythonWorker) Locate(ctx context.Context, f *frame.Frame) ([]types.Region, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	img, err := w.jpeg(f, false)
	if err != nil {
		return nil, err
	}
	resp, err := w.call(ctx, request{Op: "locate", Image: img})
	if err != nil {
		return nil, err
	}

	regions := make([]types.Region, 0, len(resp.Boxes))
	for _, b := range resp.Boxes {
		r, ok := types.RegionFromLoc(b)
		if !ok {
			return nil, fmt.Errorf("%w: box %v is not [top, right, bottom, left]", ErrProtocol, b)
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// Encode asks the engine for one encoding per region. It ends the Locate/Encode pair for f,
// so the cached JPEG is dropped on return.
func (w *PythonWorker) Encode(ctx context.Context, f *frame.Frame, regions []types.Region) ([]types.Embedding, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.forget()

	if len(regions) == 0 {
		return []types.Embedding{}, nil
	}

	img, err := w.jpeg(f, true)
	if err != nil {
		return nil, err
	}
	boxes := make([][]int, len(regions))
	for i, r := range regions {
		boxes[i] = r.Loc()
	}
	resp, err := w.call(ctx, request{Op: "encode", Image: img, Boxes: boxes})
	if err != nil {
		return nil, err
	}

	if len(resp.Vecs) != len(regions) {
		return nil, fmt.Errorf("%w: %d encodings for %d boxes", ErrProtocol, len(resp.Vecs), len(regions))
	}
	out := make([]types.Embedding, len(resp.Vecs))
	for i, v := range resp.Vecs {
		if len(v) != types.EmbeddingDim {
			return nil, fmt.Errorf("%w: encoding %d has %d dimensions", ErrProtocol, i, len(v))
		}
		out[i] = types.Embedding(v)
	}
	return out, nil
}

// Close shuts down the engine: closing stdin tells it to exit, then the process is reaped.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- w.Cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(exitGrace):
		w.Cmd.Process.Kill()
		err = <-done
	}
	if err != nil && w.broken == nil {
		return fmt.Errorf("worker %d exit: %w", w.ID, err)
	}
	return nil
}

// Err reports why the worker became unusable, or nil.
func (w *PythonWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

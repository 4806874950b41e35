// Package source feeds frames to the orchestrator, mirroring the
// reference's ring-buffer event reader but adapted to the spec's
// synchronous Next()/Close() frame source interface (spec §6).
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/can-ids/detection-core/internal/frame"
)

// ErrClosed is returned by Next once the source has been closed.
var ErrClosed = errors.New("source: closed")

// Source produces a monotonically timestamped sequence of frames
// (spec §6 "Frame source interface").
type Source interface {
	// Next returns the next frame, or ok=false at end-of-stream
	// (offline) or when no frame is currently available (real-time).
	Next() (frame.Frame, bool, error)
	Close() error
}

// wireFrame is the NDJSON trace record shape: one JSON object per
// line, matching the field names of frame.Frame.
type wireFrame struct {
	Timestamp float64 `json:"timestamp"`
	CANID     string  `json:"can_id"`
	DLC       uint8   `json:"dlc"`
	Payload   []byte  `json:"payload"`
}

// OfflineSource replays a newline-delimited JSON trace file, one
// frame per line, returning ok=false permanently at EOF.
type OfflineSource struct {
	f       *os.File
	scanner *bufio.Scanner
	done    bool
}

// NewOfflineSource opens path for replay.
func NewOfflineSource(path string) (*OfflineSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &OfflineSource{f: f, scanner: scanner}, nil
}

// Next returns the next frame from the trace file. ok is false only
// at end-of-stream; a malformed line is surfaced as an error so the
// caller can count it and continue (spec §7 "ErrMalformed").
func (s *OfflineSource) Next() (frame.Frame, bool, error) {
	if s.done {
		return frame.Frame{}, false, nil
	}
	if !s.scanner.Scan() {
		s.done = true
		if err := s.scanner.Err(); err != nil {
			return frame.Frame{}, false, fmt.Errorf("reading trace file: %w", err)
		}
		return frame.Frame{}, false, nil
	}

	f, err := parseWireFrame(s.scanner.Bytes())
	if err != nil {
		return frame.Frame{}, true, err
	}
	return f, true, nil
}

// Close releases the underlying file handle.
func (s *OfflineSource) Close() error {
	return s.f.Close()
}

// LiveSource wraps a channel of frames fed by an external producer
// (e.g. a SocketCAN reader), yielding up to 1ms when no frame is
// currently queued (spec §5 "Suspension points").
type LiveSource struct {
	ctx    context.Context
	cancel context.CancelFunc
	frames <-chan frame.Frame
	errs   <-chan error
}

// NewLiveSource wraps frames/errs channels fed by a producer goroutine
// the caller owns; cancel stops that producer via ctx.
func NewLiveSource(ctx context.Context, frames <-chan frame.Frame, errs <-chan error) *LiveSource {
	ctx, cancel := context.WithCancel(ctx)
	return &LiveSource{ctx: ctx, cancel: cancel, frames: frames, errs: errs}
}

// Next returns the next available frame. If none is queued, it yields
// up to 1ms (spec §5 "wait up to 1 ms") before reporting ok=false so
// the orchestrator can service cancellation/eviction between polls.
func (s *LiveSource) Next() (frame.Frame, bool, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return frame.Frame{}, false, ErrClosed
		}
		return f, true, nil
	case err, ok := <-s.errs:
		if ok && err != nil {
			return frame.Frame{}, true, err
		}
	case <-s.ctx.Done():
		return frame.Frame{}, false, ErrClosed
	case <-time.After(1 * time.Millisecond):
	}
	return frame.Frame{}, false, nil
}

// Close cancels the source's context, signalling the owning producer
// to stop.
func (s *LiveSource) Close() error {
	s.cancel()
	return nil
}

// NewStdinSource starts a background goroutine reading NDJSON frames,
// one per line, from r (typically os.Stdin) and returns a LiveSource
// fed by it. The goroutine exits when r hits EOF, ctx is cancelled, or
// the returned source's Close is called.
func NewStdinSource(ctx context.Context, r io.Reader) *LiveSource {
	frames := make(chan frame.Frame)
	errs := make(chan error, 1)

	src := NewLiveSource(ctx, frames, errs)

	go func() {
		defer close(frames)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			f, err := parseWireFrame(scanner.Bytes())
			if err != nil {
				select {
				case errs <- err:
				case <-src.ctx.Done():
					return
				}
				continue
			}
			select {
			case frames <- f:
			case <-src.ctx.Done():
				return
			}
		}
	}()

	return src
}

// parseWireFrame decodes one NDJSON trace line, shared by OfflineSource
// and NewStdinSource so both accept identical wire formats.
func parseWireFrame(line []byte) (frame.Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(line, &w); err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", frame.ErrMalformed, err)
	}

	var canID uint32
	if _, err := fmt.Sscanf(w.CANID, "0x%X", &canID); err != nil {
		if _, err := fmt.Sscanf(w.CANID, "%d", &canID); err != nil {
			return frame.Frame{}, fmt.Errorf("%w: invalid can_id %q", frame.ErrMalformed, w.CANID)
		}
	}

	return frame.Frame{Timestamp: w.Timestamp, CANID: canID, DLC: w.DLC, Payload: w.Payload}, nil
}

var _ io.Closer = (*OfflineSource)(nil)

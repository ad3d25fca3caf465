// Package scan drives live QR capture sessions and single-shot image scans,
// from raw frames to a resolved record view.
package scan

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go-healthscan/models"
	"go-healthscan/payload"
)

// State is the lifecycle phase of a scan session.
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateDecoded
	StateFetching
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCapturing:
		return "CAPTURING"
	case StateDecoded:
		return "DECODED"
	case StateFetching:
		return "FETCHING"
	case StateResolved:
		return "RESOLVED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrFrameNotReady is returned by a frame source when no new frame is
	// available yet. The session skips the attempt and tries again.
	ErrFrameNotReady = errors.New("frame not ready")

	// ErrScannerNotReady means the decoder never became available within the
	// session's ready window.
	ErrScannerNotReady = errors.New("scanner not ready")
)

// FrameSource produces frames for a live session. NextFrame may return
// ErrFrameNotReady when called faster than frames arrive; any other error is
// fatal for the session. Close releases the underlying capture device and
// must be safe to call more than once.
type FrameSource interface {
	NextFrame(ctx context.Context) (image.Image, error)
	Close() error
}

// Decoder is the frame decode capability a session samples against.
type Decoder interface {
	Ready() bool
	Decode(img image.Image) (*models.ScannedCode, error)
}

// Resolver turns a parsed payload into a display-ready record view.
type Resolver interface {
	Resolve(ctx context.Context, p models.ParsedPayload) (models.ViewModel, error)
}

const (
	defaultReadyWait = 3 * time.Second
	readyPoll        = 20 * time.Millisecond
)

// Session is one live capture attempt. It decodes frames until exactly one
// code is accepted, then releases the source before any network work starts.
// A session is single-use; create a new one per capture attempt.
type Session struct {
	ID string

	source   FrameSource
	decoder  Decoder
	resolver Resolver

	readyWait time.Duration

	state    atomic.Int32
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewSession(source FrameSource, decoder Decoder, resolver Resolver, readyWait time.Duration) *Session {
	if readyWait <= 0 {
		readyWait = defaultReadyWait
	}
	return &Session{
		ID:        uuid.NewString(),
		source:    source,
		decoder:   decoder,
		resolver:  resolver,
		readyWait: readyWait,
		stopped:   make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Stop ends the session and releases the frame source. Safe to call any
// number of times, from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if err := s.source.Close(); err != nil {
			slog.Warn("failed to close frame source", "session_id", s.ID, "error", err)
		}
	})
}

// Run drives the session to a terminal outcome. Frames that are not ready
// and frames without a locatable code are skipped, never failed. The first
// decoded code is final: capture stops before the payload is parsed, so at
// most one resolve fires per session no matter how many frames carried the
// code.
func (s *Session) Run(ctx context.Context) (models.ScanOutcome, error) {
	defer s.Stop()

	if !s.waitDecoderReady(ctx) {
		s.state.Store(int32(StateFailed))
		return models.ScanOutcome{Status: models.ScanStatusError, Message: "scanner is not ready, try again"}, ErrScannerNotReady
	}
	s.state.Store(int32(StateCapturing))
	slog.Debug("scan session capturing", "session_id", s.ID)

	code, err := s.capture(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.state.Store(int32(StateIdle))
			return models.ScanOutcome{Status: models.ScanStatusScanning, Message: "scan stopped"}, err
		}
		s.state.Store(int32(StateFailed))
		return models.ScanOutcome{Status: models.ScanStatusError, Message: "camera error, try again"}, err
	}

	s.state.Store(int32(StateDecoded))
	// Release the camera before any parsing or network work.
	s.Stop()

	return s.resolve(ctx, code)
}

func (s *Session) waitDecoderReady(ctx context.Context) bool {
	deadline := time.Now().Add(s.readyWait)
	for !s.decoder.Ready() {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.stopped:
			return false
		case <-time.After(readyPoll):
		}
	}
	return true
}

func (s *Session) capture(ctx context.Context) (*models.ScannedCode, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stopped:
			return nil, context.Canceled
		default:
		}

		frame, err := s.source.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrFrameNotReady) {
				continue
			}
			return nil, err
		}

		code, err := s.decoder.Decode(frame)
		if err != nil {
			// A frame without a code is normal while the operator aims.
			continue
		}
		return code, nil
	}
}

func (s *Session) resolve(ctx context.Context, code *models.ScannedCode) (models.ScanOutcome, error) {
	parsed, err := payload.Parse(code.RawText)
	if err != nil {
		s.state.Store(int32(StateFailed))
		slog.Info("scanned code is not a medical code", "session_id", s.ID)
		return models.ScanOutcome{Status: models.ScanStatusError, Message: "not a medical code"}, nil
	}

	s.state.Store(int32(StateFetching))
	vm, err := s.resolver.Resolve(ctx, *parsed)
	if err != nil {
		s.state.Store(int32(StateFailed))
		slog.Warn("failed to resolve scanned subject", "session_id", s.ID, "subject_id", parsed.SubjectID, "error", err)
		return models.ScanOutcome{Status: models.ScanStatusError, Message: "could not load a record for this code"}, nil
	}

	s.state.Store(int32(StateResolved))
	slog.Info("scan resolved", "session_id", s.ID, "subject_id", vm.SubjectID)
	return models.ScanOutcome{Status: models.ScanStatusSuccess, Message: "record loaded", ViewModel: &vm}, nil
}

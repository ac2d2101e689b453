// Package scheduler runs the live capture loop: read a frame, detect and identify faces on
// every Nth frame, and hand the frame with the latest labels to the renderer.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facecam/internal/capture"
	"github.com/andresmejia3/facecam/internal/matcher"
	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/worker"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyRunning is returned by Start and Run while a loop is active.
	ErrAlreadyRunning = errors.New("capture loop already running")
	// ErrTimeout marks a camera read or detection that exceeded its deadline.
	ErrTimeout = errors.New("scheduler timeout")
	// ErrTooManyErrors ends the loop after MaxConsecutiveErrors failures in a row.
	ErrTooManyErrors = errors.New("too many consecutive errors")
)

// State is the loop state.
type State int32

const (
	Idle State = iota
	Capturing
)

func (s State) String() string {
	if s == Capturing {
		return "capturing"
	}
	return "idle"
}

// FrameSource yields camera frames. Read must honour ctx.
type FrameSource interface {
	Read(ctx context.Context) (*types.Frame, error)
}

// Embedder detects faces in a JPEG image.
type Embedder interface {
	Extract(ctx context.Context, image []byte) ([]types.Detection, error)
}

// Renderer draws labels onto a full-size frame and shows it.
type Renderer interface {
	Render(frame *image.RGBA, labels []types.Labeled) error
}

// Event describes one loop iteration.
type Event struct {
	Session  string
	Seq      uint64
	Detected bool
	Labels   []types.Labeled
	Err      error
}

// Stats are cumulative counters for the current scheduler.
type Stats struct {
	Frames     uint64
	Detections uint64
	Errors     uint64
}

// Config tunes the loop. Zero values get defaults from withDefaults.
type Config struct {
	// Every runs detection on frames where seq % Every == 0. 2 alternates.
	Every int
	// Scale is the downscale factor applied before detection.
	Scale     int
	Threshold float64
	// MaxFPS caps the loop rate; 0 means unlimited.
	MaxFPS               float64
	ReadTimeout          time.Duration
	DetectTimeout        time.Duration
	MaxConsecutiveErrors int
	JPEGQuality          int
	Events               func(Event)
}

func (c Config) withDefaults() Config {
	if c.Every < 1 {
		c.Every = 2
	}
	if c.Scale < 1 {
		c.Scale = 4
	}
	if c.Threshold <= 0 {
		c.Threshold = matcher.DefaultThreshold
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.DetectTimeout <= 0 {
		c.DetectTimeout = 10 * time.Second
	}
	if c.MaxConsecutiveErrors < 1 {
		c.MaxConsecutiveErrors = 10
	}
	if c.JPEGQuality < 1 {
		c.JPEGQuality = 90
	}
	return c
}

// Scheduler owns one FrameSource and one Renderer while capturing.
type Scheduler struct {
	cfg      Config
	source   FrameSource
	embedder Embedder
	renderer Renderer

	registry atomic.Pointer[types.Registry]
	running  atomic.Bool
	state    atomic.Int32

	frames     atomic.Uint64
	detections atomic.Uint64
	errs       atomic.Uint64

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// New builds an idle scheduler. reg may be nil (everyone is Unknown).
func New(src FrameSource, emb Embedder, r Renderer, reg *types.Registry, cfg Config) *Scheduler {
	s := &Scheduler{cfg: cfg.withDefaults(), source: src, embedder: emb, renderer: r}
	s.SetRegistry(reg)
	return s
}

// SetRegistry swaps the snapshot used by subsequent detections.
func (s *Scheduler) SetRegistry(reg *types.Registry) {
	if reg == nil {
		reg = types.NewRegistry()
	}
	s.registry.Store(reg)
}

// Registry returns the snapshot currently used for matching.
func (s *Scheduler) Registry() *types.Registry { return s.registry.Load() }

// State reports whether a loop is active.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Stats returns the counters accumulated so far.
func (s *Scheduler) Stats() Stats {
	return Stats{Frames: s.frames.Load(), Detections: s.detections.Load(), Errors: s.errs.Load()}
}

// Start launches the loop in a goroutine. Use Wait to collect its result.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Capturing)) {
		return ErrAlreadyRunning
	}
	s.running.Store(true)
	done := make(chan struct{})
	s.mu.Lock()
	s.done, s.err = done, nil
	s.mu.Unlock()

	go func() {
		err := s.loop(ctx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(done)
	}()
	return nil
}

// Wait blocks until the loop started by Start ends and returns its error.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run executes the loop on the calling goroutine until Stop, ctx cancellation, end of
// stream or a fatal source error.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Capturing)) {
		return ErrAlreadyRunning
	}
	s.running.Store(true)
	return s.loop(ctx)
}

// Stop asks the loop to exit before its next iteration.
func (s *Scheduler) Stop() {
	s.running.Store(false)
}

func (s *Scheduler) loop(ctx context.Context) error {
	defer func() {
		s.running.Store(false)
		s.state.Store(int32(Idle))
	}()

	session := uuid.NewString()
	log := slog.With("session", session)
	log.Info("scheduler: capture started", "every", s.cfg.Every, "scale", s.cfg.Scale)

	var limiter *rate.Limiter
	if s.cfg.MaxFPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MaxFPS), 1)
	}

	var (
		seq    uint64
		last   []types.Labeled
		failed int
	)
	for {
		if !s.running.Load() || ctx.Err() != nil {
			log.Info("scheduler: capture stopped", "frames", seq)
			return nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		frame, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, ErrTimeout) && !errors.Is(err, capture.ErrBadFrame) {
				log.Error("scheduler: frame source closed", "error", err)
				return err
			}
			log.Warn("scheduler: frame skipped", "seq", seq, "error", err)
			s.emit(Event{Session: session, Seq: seq, Err: err})
			if failed++; failed >= s.cfg.MaxConsecutiveErrors {
				log.Error("scheduler: giving up", "failures", failed, "error", err)
				return fmt.Errorf("%w: %w", ErrTooManyErrors, err)
			}
			continue
		}
		s.frames.Add(1)

		ev := Event{Session: session, Seq: seq}
		if seq%uint64(s.cfg.Every) == 0 {
			labels, err := s.detect(ctx, frame.Image)
			if err != nil {
				log.Warn("scheduler: detection failed", "seq", seq, "error", err)
				ev.Err = err
				if failed++; failed >= s.cfg.MaxConsecutiveErrors {
					s.emit(ev)
					log.Error("scheduler: giving up", "failures", failed, "error", err)
					return fmt.Errorf("%w: %w", ErrTooManyErrors, err)
				}
			} else {
				s.detections.Add(1)
				last = labels
				ev.Detected = true
				failed = 0
			}
		}
		ev.Labels = last

		if err := s.renderer.Render(frame.Image, last); err != nil {
			return fmt.Errorf("render frame %d: %w", seq, err)
		}
		s.emit(ev)
		seq++
	}
}

func (s *Scheduler) emit(ev Event) {
	if ev.Err != nil {
		s.errs.Add(1)
	}
	if s.cfg.Events != nil {
		s.cfg.Events(ev)
	}
}

func (s *Scheduler) read(ctx context.Context) (*types.Frame, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	frame, err := s.source.Read(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: camera read after %s", ErrTimeout, s.cfg.ReadTimeout)
		}
		return nil, err
	}
	if frame == nil || frame.Image == nil {
		return nil, fmt.Errorf("%w: frame source returned an empty frame", capture.ErrBadFrame)
	}
	return frame, nil
}

// detect returns labels in downscaled coordinates; the renderer scales them back up.
func (s *Scheduler) detect(ctx context.Context, img *image.RGBA) ([]types.Labeled, error) {
	small := Downscale(img, s.cfg.Scale)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: s.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DetectTimeout)
	defer cancel()
	dets, err := s.embedder.Extract(dctx, buf.Bytes())
	if err != nil {
		if errors.Is(err, worker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, err
	}

	results := matcher.ClassifyAll(dets, s.registry.Load(), s.cfg.Threshold)
	return matcher.Label(dets, results), nil
}

// Downscale shrinks img by factor using bilinear interpolation.
func Downscale(img image.Image, factor int) *image.RGBA {
	b := img.Bounds()
	if factor <= 1 {
		out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	w, h := max(b.Dx()/factor, 1), max(b.Dy()/factor, 1)
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

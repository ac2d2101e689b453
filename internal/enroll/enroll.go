// Package enroll turns a still image and a name into a new registry entry.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/facecam/internal/analysis"
	"github.com/andresmejia3/facecam/internal/store"
	"github.com/andresmejia3/facecam/internal/types"
)

var (
	// ErrNoFaceDetected means the enrollment photo contains no face. The operator should retry.
	ErrNoFaceDetected = errors.New("no face detected in enrollment image")
	// ErrAmbiguousFace means the photo has several faces and the policy rejects it.
	ErrAmbiguousFace = errors.New("more than one face in enrollment image")
)

// Policy decides what happens when the enrollment photo holds more than one face.
type Policy string

const (
	// PolicyFirst enrolls the first detection the embedder returned.
	PolicyFirst Policy = "first"
	// PolicyRejectAmbiguous refuses photos with more than one face.
	PolicyRejectAmbiguous Policy = "reject"
)

// ParsePolicy accepts "first" or "reject".
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyFirst, PolicyRejectAmbiguous:
		return p, nil
	case "":
		return PolicyFirst, nil
	default:
		return "", fmt.Errorf("unknown enrollment policy %q (use first or reject)", s)
	}
}

// Embedder detects faces and computes their encodings.
type Embedder interface {
	Extract(ctx context.Context, image []byte) ([]types.Detection, error)
}

// Options tunes a Controller.
type Options struct {
	Policy         Policy
	ExtractTimeout time.Duration
	// OnUpdate receives every new registry snapshot (after enroll and reset).
	OnUpdate func(*types.Registry)
}

// Controller is the only writer of the registry.
type Controller struct {
	store    store.Store
	embedder Embedder
	analysis *analysis.Adapter
	opts     Options

	mu  sync.Mutex
	reg *types.Registry
}

// Outcome is what one enrollment produced.
type Outcome struct {
	Registry *types.Registry
	// Appended is false when the name was empty and nothing was stored. The
	// analysis still runs in that case.
	Appended bool
	// Faces is how many faces the embedder saw in the photo.
	Faces int
	// Report is nil when no demographic info is available.
	Report *analysis.Report
	// AnalysisErr carries an unmapped analyzer label; it never fails the enrollment.
	AnalysisErr error
}

// New loads nothing; reg is the current registry (usually from store.Load).
func New(s store.Store, e Embedder, a *analysis.Adapter, reg *types.Registry, opts Options) *Controller {
	if opts.Policy == "" {
		opts.Policy = PolicyFirst
	}
	if reg == nil {
		reg = types.NewRegistry()
	}
	return &Controller{store: s, embedder: e, analysis: a, opts: opts, reg: reg}
}

// Registry returns the current snapshot.
func (c *Controller) Registry() *types.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

// Enroll extracts the face in image and appends it under name.
// An empty name stores nothing but still reports the analysis. On any error the
// registry is left unchanged.
func (c *Controller) Enroll(ctx context.Context, image []byte, name string) (*Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	extractCtx := ctx
	if c.opts.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, c.opts.ExtractTimeout)
		defer cancel()
	}

	dets, err := c.embedder.Extract(extractCtx, image)
	if err != nil {
		return nil, fmt.Errorf("face extraction failed: %w", err)
	}
	if len(dets) == 0 {
		return nil, ErrNoFaceDetected
	}
	if len(dets) > 1 {
		if c.opts.Policy == PolicyRejectAmbiguous {
			return nil, fmt.Errorf("%w (%d faces)", ErrAmbiguousFace, len(dets))
		}
		slog.Warn("enroll: multiple faces detected, using the first one", "faces", len(dets))
	}

	name = strings.TrimSpace(name)
	if name == "" {
		out := &Outcome{Registry: c.reg, Faces: len(dets)}
		out.Report, out.AnalysisErr = c.analysis.Analyze(ctx, image)
		return out, nil
	}

	next := c.reg.Append(dets[0].Encoding, name)
	if err := c.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist registry: %w", err)
	}
	c.reg = next
	c.publish(next)
	slog.Info("enroll: identity added", "name", name, "entries", next.Len())

	out := &Outcome{Registry: next, Appended: true, Faces: len(dets)}
	out.Report, out.AnalysisErr = c.analysis.Analyze(ctx, image)
	return out, nil
}

// Reset clears the registry and the enrollment still. ErrNothingToReset is passed
// through for reporting; the registry is empty either way.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.store.Reset(ctx)
	if err != nil && !errors.Is(err, store.ErrNothingToReset) {
		return err
	}
	c.reg = types.NewRegistry()
	c.publish(c.reg)
	return err
}

func (c *Controller) publish(r *types.Registry) {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(r)
	}
}

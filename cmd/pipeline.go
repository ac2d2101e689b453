package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/facecam/internal/analysis"
	"github.com/andresmejia3/facecam/internal/capture"
	"github.com/andresmejia3/facecam/internal/config"
	"github.com/andresmejia3/facecam/internal/display"
	"github.com/andresmejia3/facecam/internal/enroll"
	"github.com/andresmejia3/facecam/internal/scheduler"
	"github.com/andresmejia3/facecam/internal/store"
	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/andresmejia3/facecam/internal/worker"
)

// LiveFile is the preview image refreshed by the file sink.
const LiveFile = "live.jpg"

// pipeline bundles the engine, the loaded registry and the enrollment controller.
type pipeline struct {
	engine     *worker.Engine
	controller *enroll.Controller
	// onUpdate forwards registry snapshots once a scheduler exists
	onUpdate func(*types.Registry)
}

func newPipeline(ctx context.Context, cfg *config.Config, s store.Store) (*pipeline, error) {
	reg, err := s.Load(ctx)
	if err != nil {
		if errors.Is(err, store.ErrDeserialization) {
			return nil, fmt.Errorf("%w (run `facecam reset` to start over)", err)
		}
		return nil, err
	}

	if err := worker.CheckCommand(cfg.Worker.Command); err != nil {
		utils.ShowError("Face engine script not found", err, nil)
		return nil, err
	}
	engine := worker.NewEngine(ctx, worker.Config{
		Command:     cfg.Worker.Command,
		ReadTimeout: cfg.Worker.Timeout,
		Debug:       cfg.Worker.Debug,
	})
	policy, err := enroll.ParsePolicy(cfg.EnrollPolicy)
	if err != nil {
		return nil, err
	}

	p := &pipeline{engine: engine}
	p.controller = enroll.New(s, engine, analysis.New(engine, cfg.AnalyzeTimeout), reg, enroll.Options{
		Policy:         policy,
		ExtractTimeout: cfg.Worker.Timeout,
		OnUpdate: func(r *types.Registry) {
			if p.onUpdate != nil {
				p.onUpdate(r)
			}
		},
	})
	return p, nil
}

func (p *pipeline) Close() {
	p.engine.Close()
}

// openSource opens the configured camera, or replays a directory when one is set.
func openSource(ctx context.Context, cfg *config.Config, dir string, loop bool) (capture.Source, io.Closer, error) {
	if dir == "" {
		dir = cfg.Camera.Dir
	}
	if dir != "" {
		d, err := capture.OpenDir(dir, loop)
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	}
	cam, err := capture.OpenCamera(ctx, capture.CameraConfig{
		Device: cfg.Camera.Device,
		Format: cfg.Camera.Format,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
	})
	if err != nil {
		return nil, nil, err
	}
	return cam, cam, nil
}

// buildSinks returns the display sinks and, when addr is set, the preview server to run.
func buildSinks(cfg *config.Config, addr string) (display.Multi, *display.MJPEGServer) {
	var sinks display.Multi
	if cfg.Preview.LiveFile {
		sinks = append(sinks, display.NewFileSink(filepath.Join(cfg.DataDir, LiveFile), cfg.Preview.Quality))
	}
	var srv *display.MJPEGServer
	if addr != "" {
		srv = display.NewMJPEGServer(addr, cfg.Preview.Quality)
		sinks = append(sinks, srv)
	}
	return sinks, srv
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Every:                cfg.Loop.Every,
		Scale:                cfg.Loop.Scale,
		Threshold:            cfg.Threshold,
		MaxFPS:               cfg.Loop.MaxFPS,
		ReadTimeout:          cfg.Loop.ReadTimeout,
		DetectTimeout:        cfg.Loop.DetectTimeout,
		MaxConsecutiveErrors: cfg.Loop.MaxConsecutiveErrors,
	}
}

// promptName asks for a name on r when none was given on the command line.
func promptName(r *bufio.Reader, w io.Writer) string {
	fmt.Fprint(w, "👤 Name for this face: ")
	res, _ := r.ReadString('\n')
	return strings.TrimSpace(res)
}

// printOutcome reports an enrollment the way every command does.
func printOutcome(w io.Writer, out *enroll.Outcome) {
	if out.Appended {
		if out.Faces > 1 {
			fmt.Fprintf(w, "⚠️  %d faces in the photo, enrolled the first one.\n", out.Faces)
		}
		reg := out.Registry
		fmt.Fprintf(w, "✅ Enrolled %s (%d encodings in registry)\n", reg.Names[reg.Len()-1], reg.Len())
	} else {
		fmt.Fprintln(w, "ℹ️  Empty name, nothing was saved.")
	}
	switch {
	case out.Report != nil:
		fmt.Fprintf(w, "📊 %s\n", out.Report)
	case out.AnalysisErr != nil:
		fmt.Fprintf(w, "⚠️  Demographic analysis rejected: %v\n", out.AnalysisErr)
	default:
		fmt.Fprintln(w, "📊 No demographic info available.")
	}
}

// explainEnrollError turns the recoverable enrollment errors into operator hints.
func explainEnrollError(err error) error {
	switch {
	case errors.Is(err, enroll.ErrNoFaceDetected):
		return fmt.Errorf("%w: retake the photo facing the camera", err)
	case errors.Is(err, enroll.ErrAmbiguousFace):
		return fmt.Errorf("%w: use a photo with exactly one person", err)
	case errors.Is(err, worker.ErrTimeout):
		return fmt.Errorf("face engine did not answer in time: %w", err)
	}
	return err
}

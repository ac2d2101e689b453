package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/andresmejia3/facecam/internal/overlay"
	"github.com/andresmejia3/facecam/internal/scheduler"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Identify faces on the live camera feed until Ctrl+C",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateRunFlags(cmd, &runOpts); err != nil {
			return err
		}
		return runLive(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().IntVarP(&runOpts.Every, "every", "e", 2, "Run detection on every Nth frame (2 alternates)")
	runCmd.Flags().Float64Var(&runOpts.MaxFPS, "max-fps", 0, "Cap the loop rate (0 = as fast as the camera)")
	runCmd.Flags().StringVar(&runOpts.Serve, "serve", "", "Serve an MJPEG preview on this address (e.g. :8080)")
	runCmd.Flags().StringVar(&runOpts.SourceDir, "source-dir", "", "Replay a directory of images instead of the camera")
	runCmd.Flags().BoolVar(&runOpts.Loop, "loop", false, "Loop the --source-dir images forever")
	rootCmd.AddCommand(runCmd)
}

// validateRunFlags merges explicit flags into Cfg and checks them.
func validateRunFlags(cmd *cobra.Command, opts *Options) error {
	if cmd.Flags().Changed("every") {
		Cfg.Loop.Every = opts.Every
	}
	if cmd.Flags().Changed("max-fps") {
		Cfg.Loop.MaxFPS = opts.MaxFPS
	}
	if opts.Serve == "" {
		opts.Serve = Cfg.Preview.Addr
	}
	if err := Cfg.Validate(); err != nil {
		utils.ShowError("Invalid run options", err, nil)
		return err
	}
	return nil
}

func runLive(ctx context.Context, opts Options) error {
	p, err := newPipeline(ctx, Cfg, Store)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintln(os.Stderr, "📷 Opening camera...")
	src, closer, err := openSource(ctx, Cfg, opts.SourceDir, opts.Loop)
	if err != nil {
		utils.ShowError("Camera unavailable", err, nil)
		return err
	}
	defer closer.Close()

	sinks, preview := buildSinks(Cfg, opts.Serve)
	renderer := overlay.New(Cfg.Loop.Scale, sinks)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🎥 facecam live"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)

	sc := schedulerConfig(Cfg)
	sc.Events = func(ev scheduler.Event) {
		bar.Add(1)
		if ev.Err != nil {
			slog.Debug("run: frame error", "seq", ev.Seq, "error", ev.Err)
		}
	}
	sched := scheduler.New(src, p.engine, renderer, p.controller.Registry(), sc)
	p.onUpdate = sched.SetRegistry

	if preview != nil {
		fmt.Fprintf(os.Stderr, "🌐 Preview at http://%s/stream\n", opts.Serve)
	}
	fmt.Fprintf(os.Stderr, "👥 %d known encodings. Press Ctrl+C to stop.\n", p.controller.Registry().Len())

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(gctx)
	g.Go(func() error {
		// Ending the loop also shuts the preview down
		defer cancel()
		err := sched.Run(gctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	})
	if preview != nil {
		g.Go(func() error { return preview.ListenAndServe(gctx) })
	}

	err = g.Wait()
	bar.Finish()
	stats := sched.Stats()
	fmt.Fprintf(os.Stderr, "\n✨ %d frames, %d detections, %d errors\n", stats.Frames, stats.Detections, stats.Errors)
	if err != nil {
		utils.ShowError("Live loop stopped", err, nil)
		return err
	}
	return nil
}

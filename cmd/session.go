package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/facecam/internal/capture"
	"github.com/andresmejia3/facecam/internal/config"
	"github.com/andresmejia3/facecam/internal/enroll"
	"github.com/andresmejia3/facecam/internal/overlay"
	"github.com/andresmejia3/facecam/internal/scheduler"
	"github.com/andresmejia3/facecam/internal/store"
	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var sessionOpts Options

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Interactive console: open the camera, enroll and identify in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if sessionOpts.Serve == "" {
			sessionOpts.Serve = Cfg.Preview.Addr
		}
		return runSession(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), sessionOpts)
	},
}

func init() {
	sessionCmd.Flags().StringVar(&sessionOpts.Serve, "serve", "", "Serve an MJPEG preview on this address (e.g. :8080)")
	sessionCmd.Flags().StringVar(&sessionOpts.SourceDir, "source-dir", "", "Replay a directory of images instead of the camera")
	rootCmd.AddCommand(sessionCmd)
}

const sessionHelp = `commands:
  open                  open the camera
  close                 stop the loop and release the camera
  run                   start live identification
  stop                  stop live identification
  capture <name>        take a photo and enroll it
  enroll <path> <name>  enroll a photo from disk
  reset                 delete previous recognition
  list                  show known identities
  status                show loop state and counters
  quit                  leave the session`

// console holds the state behind the session commands. Only the console goroutine
// touches it; the capture loop runs inside the scheduler.
type console struct {
	out   io.Writer
	cfg   *config.Config
	store store.Store
	ctrl  *enroll.Controller
	emb   scheduler.Embedder
	sink  overlay.DisplaySink
	open  func(ctx context.Context) (capture.Source, io.Closer, error)

	rec     *capture.Recorder
	closer  io.Closer
	sched   *scheduler.Scheduler
	started bool
}

func runSession(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	p, err := newPipeline(ctx, Cfg, Store)
	if err != nil {
		return err
	}
	defer p.Close()

	sinks, preview := buildSinks(Cfg, opts.Serve)
	c := &console{
		out:   out,
		cfg:   Cfg,
		store: Store,
		ctrl:  p.controller,
		emb:   p.engine,
		sink:  sinks,
		open: func(ctx context.Context) (capture.Source, io.Closer, error) {
			return openSource(ctx, Cfg, opts.SourceDir, true)
		},
	}
	p.onUpdate = c.setRegistry
	defer c.shutdown()

	fmt.Fprintf(out, "🖥️  facecam session %s. Type 'help' for commands.\n", uuid.NewString()[:8])
	if preview != nil {
		fmt.Fprintf(out, "🌐 Preview at http://%s/stream\n", opts.Serve)
	}

	// Reading stdin cannot be interrupted, so it lives outside the group
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(gctx)
	g.Go(func() error {
		defer cancel()
		return c.loop(gctx, lines)
	})
	if preview != nil {
		g.Go(func() error { return preview.ListenAndServe(gctx) })
	}
	return g.Wait()
}

func (c *console) loop(ctx context.Context, lines <-chan string) error {
	for {
		fmt.Fprint(c.out, "facecam> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.exec(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "❌ %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// exec runs one console command. Errors are reported and the session continues.
func (c *console) exec(ctx context.Context, line string) (quit bool, err error) {
	c.reap()
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "help", "?":
		fmt.Fprintln(c.out, sessionHelp)
	case "open":
		return false, c.openCamera(ctx)
	case "close":
		c.shutdown()
		fmt.Fprintln(c.out, "📴 Camera closed.")
	case "run":
		return false, c.startLoop(ctx)
	case "stop":
		return false, c.stopLoop()
	case "capture":
		if len(args) == 0 {
			return false, errors.New("usage: capture <name>")
		}
		return false, c.capture(ctx, strings.Join(args, " "))
	case "enroll":
		if len(args) < 2 {
			return false, errors.New("usage: enroll <path> <name>")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return false, err
		}
		return false, c.enroll(ctx, data, strings.Join(args[1:], " "))
	case "reset":
		return false, c.reset(ctx)
	case "list":
		printIdentities(c.out, c.ctrl.Registry())
	case "status":
		c.status()
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}
	return false, nil
}

func (c *console) openCamera(ctx context.Context) error {
	if c.rec != nil {
		fmt.Fprintln(c.out, "ℹ️  Camera already open.")
		return nil
	}
	src, closer, err := c.open(ctx)
	if err != nil {
		return err
	}
	c.rec = capture.NewRecorder(src)
	c.closer = closer
	renderer := overlay.New(c.cfg.Loop.Scale, c.sink)
	c.sched = scheduler.New(c.rec, c.emb, renderer, c.ctrl.Registry(), schedulerConfig(c.cfg))
	fmt.Fprintln(c.out, "📷 Camera open.")
	return nil
}

func (c *console) startLoop(ctx context.Context) error {
	if c.sched == nil {
		return errors.New("camera is not open (use 'open')")
	}
	if err := c.sched.Start(ctx); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			fmt.Fprintln(c.out, "ℹ️  Already running.")
			return nil
		}
		return err
	}
	c.started = true
	fmt.Fprintln(c.out, "▶️  Identification running.")
	return nil
}

func (c *console) stopLoop() error {
	if !c.started {
		fmt.Fprintln(c.out, "ℹ️  Not running.")
		return nil
	}
	c.sched.Stop()
	err := c.sched.Wait()
	c.started = false
	s := c.sched.Stats()
	fmt.Fprintf(c.out, "⏹️  Stopped after %d frames (%d detections).\n", s.Frames, s.Detections)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// reap reports a loop that ended on its own since the last command.
func (c *console) reap() {
	if !c.started || c.sched.State() != scheduler.Idle {
		return
	}
	c.started = false
	err := c.sched.Wait()
	s := c.sched.Stats()
	fmt.Fprintf(c.out, "⏹️  Identification ended after %d frames (%d detections).\n", s.Frames, s.Detections)
	if err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(c.out, "❌ %v\n", err)
	}
}

func (c *console) capture(ctx context.Context, name string) error {
	if c.rec == nil {
		return errors.New("camera is not open (use 'open')")
	}
	var data []byte
	if c.sched.State() == scheduler.Capturing {
		// The loop owns the source; take its latest raw frame
		if data = c.rec.Last(); data == nil {
			return errors.New("no frame captured yet")
		}
	} else {
		var err error
		if data, err = capture.Still(ctx, c.rec, c.cfg.Loop.ReadTimeout); err != nil {
			return err
		}
	}
	path, err := c.store.WriteStill(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "💾 Saved photo to %s\n", path)
	return c.enroll(ctx, data, name)
}

func (c *console) enroll(ctx context.Context, data []byte, name string) error {
	out, err := c.ctrl.Enroll(ctx, data, name)
	if err != nil {
		return explainEnrollError(err)
	}
	printOutcome(c.out, out)
	return nil
}

func (c *console) reset(ctx context.Context) error {
	err := c.ctrl.Reset(ctx)
	if errors.Is(err, store.ErrNothingToReset) {
		fmt.Fprintln(c.out, "ℹ️  No previous recognition to delete.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "🗑️  Previous recognition deleted.")
	return nil
}

func (c *console) status() {
	w := tabwriter.NewWriter(c.out, 0, 0, 3, ' ', 0)
	state, stats := "closed", scheduler.Stats{}
	if c.sched != nil {
		state, stats = c.sched.State().String(), c.sched.Stats()
	}
	fmt.Fprintf(w, "camera\t%s\n", state)
	fmt.Fprintf(w, "encodings\t%d\n", c.ctrl.Registry().Len())
	fmt.Fprintf(w, "frames\t%d\n", stats.Frames)
	fmt.Fprintf(w, "detections\t%d\n", stats.Detections)
	fmt.Fprintf(w, "errors\t%d\n", stats.Errors)
	w.Flush()
}

func (c *console) setRegistry(r *types.Registry) {
	if c.sched != nil {
		c.sched.SetRegistry(r)
	}
}

// shutdown stops the loop and releases the camera.
func (c *console) shutdown() {
	if c.started {
		c.sched.Stop()
		if err := c.sched.Wait(); err != nil && !errors.Is(err, io.EOF) {
			utils.ShowError("Live loop stopped", err, nil)
		}
	}
	if c.closer != nil {
		c.closer.Close()
	}
	c.rec, c.closer, c.sched, c.started = nil, nil, nil, false
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils"
)

// CameraConfig selects the ffmpeg input.
type CameraConfig struct {
	Device string
	// Format is the ffmpeg input format; empty picks the platform default, "none" omits -f.
	Format string
	Width  int
	Height int
}

// Camera streams frames from an ffmpeg child process.
type Camera struct {
	*Stream
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
}

// OpenCamera starts ffmpeg. Failures wrap ErrCameraUnavailable.
func OpenCamera(ctx context.Context, cfg CameraConfig) (*Camera, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: no device configured", ErrCameraUnavailable)
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewCameraCmd(ctx, cfg.Device, cfg.Format, cfg.Width, cfg.Height)

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrCameraUnavailable, err)
	}
	slog.Info("capture: camera opened", "device", cfg.Device, "pid", cmd.Process.Pid)

	return &Camera{Stream: NewStream(out), cmd: cmd, cancel: cancel}, nil
}

// Read returns the next camera frame. A corrupt frame yields ErrBadFrame; when ffmpeg exits
// the error wraps ErrCameraUnavailable.
func (c *Camera) Read(ctx context.Context) (*types.Frame, error) {
	frame, err := c.Stream.Read(ctx)
	if err == nil || errors.Is(err, ErrBadFrame) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return frame, err
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("ffmpeg stream ended")
	}
	if logs := strings.TrimSpace(c.cmd.Stderr.String()); logs != "" {
		return nil, fmt.Errorf("%w: %v: %s", ErrCameraUnavailable, err, logs)
	}
	return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
}

// Close stops ffmpeg and reaps it.
func (c *Camera) Close() error {
	c.cancel()
	// Wait only reports the kill we just caused
	_ = c.cmd.Wait()
	<-c.Stream.done
	slog.Debug("capture: camera closed")
	return nil
}

// Package worker talks to the Python face engine (face_recognition + DeepFace) that does
// detection, encoding and demographic analysis.
//
// Requests go to the child's stdin as [op:1][len:4 BE][payload]. Responses come back on
// a dedicated pipe (fd 3 in the child) as [len:4 BE][body], where body starts with a
// status byte: 0 for success, 1 for [msgLen:4][msg] errors.
//
//	extract  body: [n:4][dim:4] then n × ([top,right,bottom,left]:4×int32, dim×float32)
//	analyze  body: JSON {"age":..,"dominant_emotion":..,"dominant_gender":..}
package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/facecam/internal/utils"
)

const (
	opExtract byte = 1
	opAnalyze byte = 2

	statusOK    byte = 0
	statusError byte = 1
)

var (
	// ErrTimeout is returned when the engine does not answer within the read timeout.
	ErrTimeout = errors.New("worker timed out")
	// ErrWorkerClosed is returned when talking to a worker that crashed, timed out or was closed.
	ErrWorkerClosed = errors.New("worker is closed")
	// ErrEngineNotFound means the engine executable or its script does not exist.
	ErrEngineNotFound = errors.New("face engine not found")
)

// Config describes how to launch the engine and how long to wait for it.
type Config struct {
	Command     []string
	ReadTimeout time.Duration
	Debug       bool
}

// DefaultCommand is where the engine script is expected when none is configured. The
// script is installed separately; see the package doc for the protocol it must speak.
var DefaultCommand = []string{"python3", "-u", "python/worker.py"}

// CheckCommand reports ErrEngineNotFound when the executable is not on PATH or a .py
// argument does not exist. An empty command checks DefaultCommand.
func CheckCommand(command []string) error {
	if len(command) == 0 {
		command = DefaultCommand
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineNotFound, err)
	}
	for _, arg := range command[1:] {
		if !strings.HasSuffix(arg, ".py") {
			continue
		}
		if _, err := os.Stat(arg); err != nil {
			return fmt.Errorf("%w: script %s is missing (set --worker or FACECAM_WORKER)", ErrEngineNotFound, arg)
		}
	}
	return nil
}

// PythonWorker owns one engine subprocess.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	mu      sync.Mutex
	broken  bool
}

// NewPythonWorker starts the engine process. The process is killed when ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	py := utils.NewSafeCommand(ctx, command[0], command[1:]...)
	py.Env = os.Environ()
	if cfg.Debug {
		py.Env = append(py.Env, "FACECAM_DEBUG=1")
	}

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.ExtraFiles = []*os.File{w}

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
		timeout:  cfg.ReadTimeout,
	}, nil
}

// Broken reports whether the worker must be replaced.
func (w *PythonWorker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

// Communicate sends one request and waits for its response, bounded by the read timeout
// and ctx. A worker that fails or times out is killed and marked broken.
func (w *PythonWorker) Communicate(ctx context.Context, op byte, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		return nil, ErrWorkerClosed
	}
	// Nothing was sent yet, so the worker stays healthy
	if err := ctx.Err(); err != nil {
		return nil, ctxError(w.ID, err)
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.roundTrip(op, data)
		done <- result{body, err}
	}()

	var timeout <-chan time.Time
	if w.timeout > 0 {
		t := time.NewTimer(w.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			w.abort()
		}
		return r.body, r.err
	case <-timeout:
		w.abort()
		return nil, fmt.Errorf("worker %d: no response after %s: %w", w.ID, w.timeout, ErrTimeout)
	case <-ctx.Done():
		w.abort()
		return nil, ctxError(w.ID, ctx.Err())
	}
}

// ctxError maps an expired deadline to ErrTimeout.
func ctxError(id int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("worker %d: %w", id, ErrTimeout)
	}
	return err
}

func (w *PythonWorker) roundTrip(op byte, data []byte) ([]byte, error) {
	// Protocol: [Op][Length][Data]
	header := make([]byte, 5)
	header[0] = op
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))
	if _, err := w.Stdin.Write(header); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Read Result from the clean DataPipe
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, lenBuf); err != nil {
		return nil, err // This is where we catch an engine crash (e.g. ModuleNotFoundError)
	}

	respLen := binary.BigEndian.Uint32(lenBuf)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// abort kills the process and closes the pipes so a blocked roundTrip returns.
// Caller holds w.mu.
func (w *PythonWorker) abort() {
	if w.broken {
		return
	}
	w.broken = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
}

// Close shuts the worker down and waits for the process to exit.
func (w *PythonWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.broken {
		w.broken = true
		w.Stdin.Close()
		w.DataPipe.Close()
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Wait()
	}
}

// checkStatus strips the status byte and converts engine-side errors.
func checkStatus(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, errors.New("empty response from worker")
	}
	switch body[0] {
	case statusOK:
		return body[1:], nil
	case statusError:
		rest := body[1:]
		if len(rest) < 4 {
			return nil, errors.New("python worker error: <truncated>")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if int(n) > len(rest)-4 {
			return nil, errors.New("python worker error: <truncated>")
		}
		return nil, fmt.Errorf("python worker error: %s", rest[4:4+n])
	default:
		return nil, fmt.Errorf("unknown worker status byte %d", body[0])
	}
}

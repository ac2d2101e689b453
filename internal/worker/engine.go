package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/andresmejia3/facecam/internal/types"
)

// Engine is the FaceEmbedder and Analyzer backed by a PythonWorker.
// The worker is started lazily and replaced after a crash or timeout.
type Engine struct {
	ctx   context.Context
	cfg   Config
	spawn func(ctx context.Context, id int, cfg Config) (*PythonWorker, error)

	mu      sync.Mutex
	w       *PythonWorker
	spawned int
}

// NewEngine returns an engine whose worker processes live until ctx is cancelled or Close.
func NewEngine(ctx context.Context, cfg Config) *Engine {
	return &Engine{ctx: ctx, cfg: cfg, spawn: NewPythonWorker}
}

// Extract detects every face in a JPEG/PNG image and returns its box and encoding.
func (e *Engine) Extract(ctx context.Context, image []byte) ([]types.Detection, error) {
	body, err := e.call(ctx, opExtract, image)
	if err != nil {
		return nil, err
	}
	return decodeDetections(body)
}

// Analyze returns the engine's age/emotion/gender estimate for the most prominent face.
func (e *Engine) Analyze(ctx context.Context, image []byte) (*types.AnalysisResult, error) {
	body, err := e.call(ctx, opAnalyze, image)
	if err != nil {
		return nil, err
	}
	payload, err := checkStatus(body)
	if err != nil {
		return nil, err
	}
	var res types.AnalysisResult
	if err := json.Unmarshal(payload, &res); err != nil {
		var errorResult types.ErrorResult
		if json.Unmarshal(payload, &errorResult) == nil && errorResult.Error != "" {
			return nil, fmt.Errorf("python worker error: %s", errorResult.Error)
		}
		return nil, fmt.Errorf("malformed analysis JSON: %w", err)
	}
	return &res, nil
}

// Close stops the current worker, if any.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w != nil {
		e.w.Close()
		e.w = nil
	}
}

func (e *Engine) call(ctx context.Context, op byte, data []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The deadline may have passed while another request held the lock
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("engine: request expired while queued: %w", ErrTimeout)
		}
		return nil, err
	}

	if e.w == nil || e.w.Broken() {
		if e.w != nil {
			e.w.Close()
			slog.Warn("worker: restarting engine", "previous", e.w.ID)
		}
		w, err := e.spawn(e.ctx, e.spawned, e.cfg)
		if err != nil {
			e.w = nil
			return nil, err
		}
		e.spawned++
		e.w = w
	}

	body, err := e.w.Communicate(ctx, op, data)
	if err != nil {
		if e.w.Cmd != nil {
			slog.Error("worker: request failed", "worker", e.w.ID, "error", err, "stderr", e.w.Cmd.Stderr.String())
		}
		return nil, err
	}
	return body, nil
}

func decodeDetections(body []byte) ([]types.Detection, error) {
	payload, err := checkStatus(body)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(payload)
	var n, dim uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("reading face count: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("reading encoding dimension: %w", err)
	}
	if dim == 0 {
		return nil, fmt.Errorf("engine reported zero-length encodings")
	}
	// Each face is 16 bytes of box plus dim float32s
	if want := int64(n) * (16 + 4*int64(dim)); int64(r.Len()) < want {
		return nil, fmt.Errorf("truncated detections: have %d bytes, need %d", r.Len(), want)
	}

	dets := make([]types.Detection, 0, n)
	raw := make([]float32, dim)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("reading box %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("reading encoding %d: %w", i, err)
		}
		enc := make(types.Encoding, dim)
		for j, v := range raw {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("encoding %d contains NaN", i)
			}
			enc[j] = float64(v)
		}
		dets = append(dets, types.Detection{
			Box:      types.Box{Top: int(box[0]), Right: int(box[1]), Bottom: int(box[2]), Left: int(box[3])},
			Encoding: enc,
		})
	}
	return dets, nil
}

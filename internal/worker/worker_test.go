package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// frame writes a length-prefixed response into the fake data pipe.
func frame(dst io.Writer, body []byte) {
	binary.Write(dst, binary.BigEndian, uint32(len(body)))
	dst.Write(body)
}

func extractBody(boxes [][4]int32, vecs [][]float32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(len(boxes)))
	if len(boxes) > 0 {
		binary.Write(payload, binary.BigEndian, uint32(len(vecs[0])))
	}
	for i := range boxes {
		binary.Write(payload, binary.BigEndian, boxes[i])
		binary.Write(payload, binary.BigEndian, vecs[i])
	}
	return payload.Bytes()
}

func errorBody(msg string) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	return payload.Bytes()
}

func mockWorker(responses ...[]byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, r := range responses {
		frame(dataPipeMock, r)
	}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestExtract(t *testing.T) {
	vec := make([]float32, 128)
	vec[0] = 0.5
	vec[127] = -0.25
	w, stdin := mockWorker(extractBody([][4]int32{{10, 40, 50, 5}}, [][]float32{vec}))

	e := &Engine{ctx: context.Background(), w: w}
	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	dets, err := e.Extract(context.Background(), inputFrame)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	// Verify the request framing: op + 4 byte header + data
	sent := stdin.Bytes()
	if len(sent) != 5+len(inputFrame) {
		t.Fatalf("Expected %d bytes sent, got %d", 5+len(inputFrame), len(sent))
	}
	if sent[0] != opExtract || binary.BigEndian.Uint32(sent[1:5]) != uint32(len(inputFrame)) {
		t.Errorf("Bad request header %X", sent[:5])
	}

	if len(dets) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(dets))
	}
	d := dets[0]
	if d.Box.Top != 10 || d.Box.Right != 40 || d.Box.Bottom != 50 || d.Box.Left != 5 {
		t.Errorf("Unexpected box %+v", d.Box)
	}
	if len(d.Encoding) != 128 {
		t.Fatalf("Expected 128-d encoding, got %d", len(d.Encoding))
	}
	if math.Abs(d.Encoding[0]-0.5) > 1e-9 || math.Abs(d.Encoding[127]+0.25) > 1e-9 {
		t.Errorf("Encoding values not decoded: %v ... %v", d.Encoding[0], d.Encoding[127])
	}
}

func TestExtract_NoFaces(t *testing.T) {
	w, _ := mockWorker(extractBody(nil, nil))
	e := &Engine{ctx: context.Background(), w: w}

	dets, err := e.Extract(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no detections, got %d", len(dets))
	}
}

func TestExtract_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w, _ := mockWorker(errorBody(errMsg))
	e := &Engine{ctx: context.Background(), w: w}

	_, err := e.Extract(context.Background(), []byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestExtract_Truncated(t *testing.T) {
	body := extractBody([][4]int32{{1, 2, 3, 4}}, [][]float32{make([]float32, 128)})
	w, _ := mockWorker(body[:len(body)-10])
	e := &Engine{ctx: context.Background(), w: w}

	if _, err := e.Extract(context.Background(), []byte("frame")); err == nil {
		t.Fatal("Expected error for truncated payload")
	}
}

func TestAnalyze(t *testing.T) {
	body := append([]byte{statusOK}, []byte(`{"age": 31, "dominant_emotion": "happy", "dominant_gender": "Woman"}`)...)
	w, stdin := mockWorker(body)
	e := &Engine{ctx: context.Background(), w: w}

	res, err := e.Analyze(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if stdin.Bytes()[0] != opAnalyze {
		t.Errorf("Expected analyze op, got %d", stdin.Bytes()[0])
	}
	if res.Age != 31 || res.DominantEmotion != "happy" || res.DominantGender != "Woman" {
		t.Errorf("Unexpected analysis %+v", res)
	}
}

func TestAnalyze_ErrorObject(t *testing.T) {
	body := append([]byte{statusOK}, []byte(`{"error": "Face could not be detected"}`)...)
	w, _ := mockWorker(body)
	e := &Engine{ctx: context.Background(), w: w}

	_, err := e.Analyze(context.Background(), []byte("img"))
	if err == nil || err.Error() != "python worker error: Face could not be detected" {
		t.Errorf("Expected engine error, got %v", err)
	}
}

func TestCommunicate_Timeout(t *testing.T) {
	// The data pipe never answers
	pr, pw := io.Pipe()
	defer pw.Close()
	w := &PythonWorker{
		ID:       7,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: pr,
		timeout:  20 * time.Millisecond,
	}

	start := time.Now()
	_, err := w.Communicate(context.Background(), opExtract, []byte("frame"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Timeout took too long: %s", time.Since(start))
	}
	if !w.Broken() {
		t.Error("Worker should be marked broken after a timeout")
	}

	if _, err := w.Communicate(context.Background(), opExtract, nil); !errors.Is(err, ErrWorkerClosed) {
		t.Errorf("Expected ErrWorkerClosed on reuse, got %v", err)
	}
}

func TestCommunicate_ContextDeadline(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	w := &PythonWorker{ID: 8, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: pr}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.Communicate(ctx, opAnalyze, nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout from ctx deadline, got %v", err)
	}
}

func TestEngine_RestartsBrokenWorker(t *testing.T) {
	vec := make([]float32, 4)
	good, _ := mockWorker(extractBody([][4]int32{{1, 2, 3, 4}}, [][]float32{vec}))
	broken, _ := mockWorker()
	broken.broken = true

	spawned := 0
	e := &Engine{
		ctx: context.Background(),
		w:   broken,
		spawn: func(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
			spawned++
			return good, nil
		},
	}

	dets, err := e.Extract(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Extract after restart failed: %v", err)
	}
	if spawned != 1 || len(dets) != 1 {
		t.Errorf("Expected one respawn and one detection, got spawned=%d dets=%d", spawned, len(dets))
	}
}

func TestEngine_ExpiredRequestKeepsWorker(t *testing.T) {
	vec := make([]float32, 4)
	w, stdin := mockWorker(extractBody([][4]int32{{1, 2, 3, 4}}, [][]float32{vec}))
	e := &Engine{ctx: context.Background(), w: w}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	if _, err := e.Extract(ctx, []byte("frame")); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if w.Broken() {
		t.Fatal("An expired request must not kill a healthy worker")
	}
	if stdin.Len() != 0 {
		t.Errorf("Nothing should reach the worker, got %d bytes", stdin.Len())
	}

	// The same worker still serves the next request
	dets, err := e.Extract(context.Background(), []byte("frame"))
	if err != nil || len(dets) != 1 {
		t.Errorf("Expected one detection from the same worker, got %v, %v", dets, err)
	}
}

func TestCommunicate_ExpiredContextKeepsWorker(t *testing.T) {
	w, stdin := mockWorker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Communicate(ctx, opExtract, []byte("frame")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if w.Broken() || stdin.Len() != 0 {
		t.Error("Worker should be untouched by a request that never started")
	}
}

func TestCheckCommand(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip("cannot locate test binary")
	}
	script := filepath.Join(t.TempDir(), "engine.py")
	if err := os.WriteFile(script, []byte("# engine"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		command []string
		wantErr bool
	}{
		{"Existing script", []string{exe, "-u", script}, false},
		{"No script argument", []string{exe}, false},
		{"Missing script", []string{exe, "-u", filepath.Join(t.TempDir(), "worker.py")}, true},
		{"Missing executable", []string{"facecam-no-such-python", script}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCommand(tt.command)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrEngineNotFound) {
				t.Errorf("Expected ErrEngineNotFound, got %v", err)
			}
		})
	}
}

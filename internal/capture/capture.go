// Package capture provides frame sources: an ffmpeg-backed camera and a directory of
// still images.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

var (
	// ErrCameraUnavailable means the camera could not be opened or stopped producing frames.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrBadFrame marks a single frame that could not be decoded. The source is still usable.
	ErrBadFrame = errors.New("bad frame")
)

const megabyte = 1024 * 1024

// Source is anything that yields frames.
type Source interface {
	Read(ctx context.Context) (*types.Frame, error)
}

// Decode turns an encoded image into a Frame.
func Decode(data []byte, seq uint64) (*types.Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode frame %d: %w", ErrBadFrame, seq, err)
	}
	return &types.Frame{Seq: seq, CapturedAt: time.Now(), Image: toRGBA(img), JPEG: data}, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Stream splits an MJPEG byte stream into frames. Only the newest undelivered frame is
// kept, so a slow consumer sees fresh images instead of a growing backlog.
type Stream struct {
	frames chan []byte
	done   chan struct{}

	mu  sync.Mutex
	err error
	seq uint64
}

// NewStream starts reading r in the background.
func NewStream(r io.Reader) *Stream {
	s := &Stream{frames: make(chan []byte, 1), done: make(chan struct{})}
	go s.pump(r)
	return s
}

func (s *Stream) pump(r io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		buf := make([]byte, len(scanner.Bytes()))
		copy(buf, scanner.Bytes())
		select {
		case s.frames <- buf:
		default:
			select {
			case <-s.frames:
			default:
			}
			s.frames <- buf
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Read returns the next frame. Once the stream ends it returns the terminal error.
func (s *Stream) Read(ctx context.Context) (*types.Frame, error) {
	select {
	case data := <-s.frames:
		return s.decode(data)
	default:
	}

	select {
	case data := <-s.frames:
		return s.decode(data)
	case <-s.done:
		// A frame may have landed right before the pump exited
		select {
		case data := <-s.frames:
			return s.decode(data)
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) decode(data []byte) (*types.Frame, error) {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()
	return Decode(data, seq)
}

// Still reads one frame from src within timeout and returns it JPEG-encoded.
func Still(ctx context.Context, src Source, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	frame, err := src.Read(ctx)
	if err != nil {
		return nil, err
	}
	if len(frame.JPEG) > 0 && bytes.HasPrefix(frame.JPEG, utils.JpegSOI) {
		return frame.JPEG, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode still: %w", err)
	}
	return buf.Bytes(), nil
}

// Recorder passes frames through and remembers the encoded bytes of the last one, so a
// still can be taken while another goroutine owns the source. Renderers draw on the
// decoded image in place; the saved bytes stay untouched.
type Recorder struct {
	Source

	mu   sync.Mutex
	last []byte
}

// NewRecorder wraps src.
func NewRecorder(src Source) *Recorder {
	return &Recorder{Source: src}
}

func (r *Recorder) Read(ctx context.Context) (*types.Frame, error) {
	f, err := r.Source.Read(ctx)
	if err != nil {
		return nil, err
	}
	data := f.JPEG
	if len(data) == 0 {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 95}); err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
		data = buf.Bytes()
	}
	r.mu.Lock()
	r.last = data
	r.mu.Unlock()
	return f, nil
}

// Last returns the most recent frame's bytes, or nil before the first read.
func (r *Recorder) Last() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

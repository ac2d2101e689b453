package display

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const boundary = "facecamframe"

// MJPEGServer is a sink that serves the live feed over HTTP:
//
//	GET /stream     multipart/x-mixed-replace MJPEG
//	GET /frame.jpg  latest frame
//	GET /healthz
type MJPEGServer struct {
	Quality int

	mu      sync.RWMutex
	latest  []byte
	clients map[chan []byte]struct{}

	srv  *http.Server
	quit chan struct{}
	once sync.Once
}

// NewMJPEGServer returns a server that is not listening yet; see ListenAndServe.
func NewMJPEGServer(addr string, quality int) *MJPEGServer {
	m := &MJPEGServer{Quality: quality, clients: make(map[chan []byte]struct{}), quit: make(chan struct{})}
	m.srv = &http.Server{Addr: addr, Handler: m.Router(), ReadHeaderTimeout: 5 * time.Second}
	return m
}

// Router exposes the handlers, mostly for tests.
func (m *MJPEGServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/frame.jpg", m.handleFrame)
	r.Get("/stream", m.handleStream)
	return r
}

// Show publishes frame to every connected client. Slow clients drop frames.
func (m *MJPEGServer) Show(frame *image.RGBA) error {
	data, err := encode(frame, m.Quality)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.latest = data
	for ch := range m.clients {
		select {
		case ch <- data:
		default:
		}
	}
	m.mu.Unlock()
	return nil
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (m *MJPEGServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.srv.Addr)
	if err != nil {
		return fmt.Errorf("preview server: %w", err)
	}
	return m.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener. Open streams are ended on shutdown.
func (m *MJPEGServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("display: preview listening", "addr", ln.Addr().String())
		errCh <- m.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("preview server: %w", err)
	case <-ctx.Done():
		// Shutdown does not cancel request contexts
		m.once.Do(func() { close(m.quit) })
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return m.srv.Shutdown(shutdownCtx)
	}
}

func (m *MJPEGServer) handleFrame(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	data := m.latest
	m.mu.RUnlock()
	if data == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (m *MJPEGServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := make(chan []byte, 1)
	m.mu.Lock()
	m.clients[ch] = struct{}{}
	if m.latest != nil {
		ch <- m.latest
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.clients, ch)
		m.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-m.quit:
			return
		case data := <-ch:
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(data)); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Clients returns the number of connected stream viewers.
func (m *MJPEGServer) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

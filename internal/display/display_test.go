package display

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 32, 24))
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.jpg")
	sink := NewFileSink(path, 0)

	require.NoError(t, sink.Show(testFrame()))
	require.NoError(t, sink.Show(testFrame()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.Bounds())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only live.jpg should remain")
}

func TestFileSink_MissingDir(t *testing.T) {
	sink := NewFileSink(filepath.Join(t.TempDir(), "nope", "live.jpg"), 80)
	assert.Error(t, sink.Show(testFrame()))
}

type failSink struct{ n *int }

func (f failSink) Show(*image.RGBA) error {
	*f.n++
	return errors.New("boom")
}

func TestMulti(t *testing.T) {
	calls := 0
	m := Multi{failSink{&calls}, Discard{}, failSink{&calls}}
	err := m.Show(testFrame())
	assert.Error(t, err)
	assert.Equal(t, 2, calls, "every sink is tried")
	assert.NoError(t, Multi{Discard{}}.Show(testFrame()))
}

func TestMJPEG_Frame(t *testing.T) {
	m := NewMJPEGServer(":0", 0)
	h := m.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frame.jpg", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, m.Show(testFrame()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frame.jpg", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	_, err := jpeg.Decode(rec.Body)
	assert.NoError(t, err)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMJPEG_Stream(t *testing.T) {
	m := NewMJPEGServer(":0", 0)
	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "multipart/x-mixed-replace")

	require.Eventually(t, func() bool { return m.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Show(testFrame()))

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--"+boundary+"\r\n", line)

	length := -1
	for {
		line, err = br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			length, err = strconv.Atoi(v)
			require.NoError(t, err)
		}
	}
	require.Positive(t, length)

	body := make([]byte, length)
	_, err = io.ReadFull(br, body)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(body))
	assert.NoError(t, err)
}

func TestMJPEG_ShutdownWithViewer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := NewMJPEGServer(ln.Addr().String(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return m.Clients() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not shut down with a viewer connected")
	}
	assert.Equal(t, 0, m.Clients())
}

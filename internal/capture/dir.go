package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/andresmejia3/facecam/internal/types"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// DirSource replays the images of a directory in name order. It stands in for a camera
// when testing the live loop on recorded footage.
type DirSource struct {
	files []string
	loop  bool

	mu  sync.Mutex
	pos int
	seq uint64
}

// OpenDir lists the images in dir. With loop set the sequence never ends.
func OpenDir(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrCameraUnavailable, dir)
	}
	slices.Sort(files)
	return &DirSource{files: files, loop: loop}, nil
}

// Len is the number of images found.
func (d *DirSource) Len() int { return len(d.files) }

func (d *DirSource) Read(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.pos >= len(d.files) {
		if !d.loop {
			d.mu.Unlock()
			return nil, io.EOF
		}
		d.pos = 0
	}
	path := d.files[d.pos]
	d.pos++
	seq := d.seq
	d.seq++
	d.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data, seq)
}

// Close is a no-op.
func (d *DirSource) Close() error { return nil }

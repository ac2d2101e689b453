// Package display holds the sinks that show rendered frames: an atomically replaced JPEG
// file and an HTTP MJPEG preview.
package display

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/google/renameio"
)

// DefaultQuality is the JPEG quality used when a sink is given 0.
const DefaultQuality = 85

func encode(frame *image.RGBA, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// FileSink keeps the latest frame at Path, replacing it atomically so viewers never
// read a half-written image.
type FileSink struct {
	Path    string
	Quality int
}

// NewFileSink writes frames to path (usually function_cam/live.jpg).
func NewFileSink(path string, quality int) *FileSink {
	return &FileSink{Path: path, Quality: quality}
}

func (f *FileSink) Show(frame *image.RGBA) error {
	data, err := encode(frame, f.Quality)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	return nil
}

// Sink is anything that can show a frame.
type Sink interface {
	Show(frame *image.RGBA) error
}

// Multi fans one frame out to several sinks; every sink is tried and the errors joined.
type Multi []Sink

func (m Multi) Show(frame *image.RGBA) error {
	var errs []error
	for _, s := range m {
		if err := s.Show(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every frame.
type Discard struct{}

func (Discard) Show(*image.RGBA) error { return nil }

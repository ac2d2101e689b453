package types

import (
	"fmt"
	"image"
	"time"
)

// UnknownName is the label given to a face that matches no registered identity.
const UnknownName = "Unknown"

// Encoding is a fixed-length face descriptor produced by the embedder (128-d for dlib).
type Encoding []float64

// Box is a face location in face_recognition order: [top, right, bottom, left].
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Scale multiplies every coordinate by f (detection runs on a downscaled frame).
func (b Box) Scale(f int) Box {
	return Box{Top: b.Top * f, Right: b.Right * f, Bottom: b.Bottom * f, Left: b.Left * f}
}

// Rect converts the box into an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Detection is one face found in one frame.
type Detection struct {
	Box      Box
	Encoding Encoding
}

// MatchResult is the outcome of classifying one Detection against the registry.
type MatchResult struct {
	Name     string
	Distance float64 // +Inf when the registry is empty
	Index    int     // registry index of the nearest candidate, -1 when empty
	Matched  bool
}

// Labeled pairs a detection box with the label to draw under it.
type Labeled struct {
	Box   Box
	Label string
}

// Frame is a single camera image owned by the loop iteration that pulled it.
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Image      *image.RGBA
	// JPEG holds the encoded bytes when the source delivered them (camera MJPEG).
	JPEG []byte
}

// Registry holds two parallel sequences: Encodings[i] belongs to Names[i].
// A *Registry handed out by the store or the enrollment controller is treated as an
// immutable snapshot; Append returns a new value.
type Registry struct {
	Encodings []Encoding
	Names     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{Encodings: []Encoding{}, Names: []string{}}
}

// Len returns the number of stored encodings. A nil registry is empty.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Names)
}

// Dim returns the encoding dimension, or 0 for an empty registry.
func (r *Registry) Dim() int {
	if r.Len() == 0 {
		return 0
	}
	return len(r.Encodings[0])
}

// Append returns a new registry with (enc, name) added at the end.
func (r *Registry) Append(enc Encoding, name string) *Registry {
	out := r.Clone()
	e := make(Encoding, len(enc))
	copy(e, enc)
	out.Encodings = append(out.Encodings, e)
	out.Names = append(out.Names, name)
	return out
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	out := &Registry{
		Encodings: make([]Encoding, 0, r.Len()+1),
		Names:     make([]string, 0, r.Len()+1),
	}
	if r == nil {
		return out
	}
	for i := range r.Names {
		e := make(Encoding, len(r.Encodings[i]))
		copy(e, r.Encodings[i])
		out.Encodings = append(out.Encodings, e)
		out.Names = append(out.Names, r.Names[i])
	}
	return out
}

// Validate checks the parallel-length invariant and that every encoding has the same dimension.
func (r *Registry) Validate() error {
	if r == nil {
		return nil
	}
	if len(r.Encodings) != len(r.Names) {
		return fmt.Errorf("registry has %d encodings but %d names", len(r.Encodings), len(r.Names))
	}
	dim := r.Dim()
	for i, e := range r.Encodings {
		if len(e) == 0 {
			return fmt.Errorf("encoding %d is empty", i)
		}
		if len(e) != dim {
			return fmt.Errorf("encoding %d has dimension %d, expected %d", i, len(e), dim)
		}
		if r.Names[i] == "" {
			return fmt.Errorf("name %d is empty", i)
		}
	}
	return nil
}

// Equal reports whether both registries hold the same names and vectors in the same order.
func (r *Registry) Equal(o *Registry) bool {
	if r.Len() != o.Len() {
		return false
	}
	for i := 0; i < r.Len(); i++ {
		if r.Names[i] != o.Names[i] || len(r.Encodings[i]) != len(o.Encodings[i]) {
			return false
		}
		for j := range r.Encodings[i] {
			if r.Encodings[i][j] != o.Encodings[i][j] {
				return false
			}
		}
	}
	return true
}

// IdentitySummary is one row of the `list` command.
type IdentitySummary struct {
	Name  string
	Count int
}

// Identities groups encodings by name in first-seen order.
func (r *Registry) Identities() []IdentitySummary {
	var out []IdentitySummary
	pos := make(map[string]int)
	for i := 0; i < r.Len(); i++ {
		n := r.Names[i]
		if p, ok := pos[n]; ok {
			out[p].Count++
			continue
		}
		pos[n] = len(out)
		out = append(out, IdentitySummary{Name: n, Count: 1})
	}
	return out
}

// ErrorResult captures the error object returned by the Python worker on failure
type ErrorResult struct {
	Error string `json:"error"`
}

// AnalysisResult matches the JSON the Python worker returns for an analyze request.
type AnalysisResult struct {
	Age             float64 `json:"age"`
	DominantEmotion string  `json:"dominant_emotion"`
	DominantGender  string  `json:"dominant_gender"`
}

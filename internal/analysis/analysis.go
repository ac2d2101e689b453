// Package analysis wraps the demographic analyzer so that its failures never escape
// as fatal errors.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/andresmejia3/facecam/internal/types"
)

// Emotion is the analyzer's dominant emotion.
type Emotion string

const (
	Angry    Emotion = "angry"
	Disgust  Emotion = "disgust"
	Fear     Emotion = "fear"
	Happy    Emotion = "happy"
	Sad      Emotion = "sad"
	Surprise Emotion = "surprise"
	Neutral  Emotion = "neutral"
)

// Gender is the analyzer's dominant gender.
type Gender string

const (
	Man   Gender = "Man"
	Woman Gender = "Woman"
)

var emotionSymbols = map[Emotion]string{
	Angry:    "😡",
	Disgust:  "🤢",
	Fear:     "😱",
	Happy:    "😄",
	Sad:      "😢",
	Surprise: "😮",
	Neutral:  "😐",
}

var genderSymbols = map[Gender]string{
	Man:   "♂",
	Woman: "♀",
}

// Symbol returns the display glyph for e.
func (e Emotion) Symbol() string { return emotionSymbols[e] }

// Symbol returns the display glyph for g.
func (g Gender) Symbol() string { return genderSymbols[g] }

// Report is the demographic info shown after an enrollment.
type Report struct {
	Age     int
	Emotion Emotion
	Gender  Gender
}

func (r Report) String() string {
	return fmt.Sprintf("age : %d yo | emotion : %s | gender : %s", r.Age, r.Emotion.Symbol(), r.Gender.Symbol())
}

// ErrUnavailable marks an analysis that produced no information. It is only logged.
var ErrUnavailable = errors.New("analysis unavailable")

// UnmappedLabelError means the analyzer returned a label outside the known set.
// That is a contract violation between us and the analyzer, so it is surfaced.
type UnmappedLabelError struct {
	Field string
	Label string
}

func (e *UnmappedLabelError) Error() string {
	return fmt.Sprintf("analyzer returned unmapped %s label %q", e.Field, e.Label)
}

// Analyzer is the external demographic model.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (*types.AnalysisResult, error)
}

// Adapter contains analyzer failures.
type Adapter struct {
	analyzer Analyzer
	timeout  time.Duration
}

// New returns an adapter; timeout <= 0 means no extra bound beyond ctx.
func New(a Analyzer, timeout time.Duration) *Adapter {
	return &Adapter{analyzer: a, timeout: timeout}
}

// Analyze returns (nil, nil) whenever the analyzer fails for any reason, and
// (nil, *UnmappedLabelError) when it answers with a label we cannot display.
func (a *Adapter) Analyze(ctx context.Context, image []byte) (*Report, error) {
	if a == nil || a.analyzer == nil {
		return nil, nil
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	res, err := a.analyzer.Analyze(ctx, image)
	if err != nil {
		slog.Warn("analysis: no demographic info", "error", fmt.Errorf("%w: %w", ErrUnavailable, err))
		return nil, nil
	}
	if res == nil {
		slog.Warn("analysis: no demographic info", "error", ErrUnavailable)
		return nil, nil
	}

	report, err := translate(res)
	if err != nil {
		slog.Error("analysis: analyzer contract violation", "error", err)
		return nil, err
	}
	return report, nil
}

func translate(res *types.AnalysisResult) (*Report, error) {
	emotion := Emotion(res.DominantEmotion)
	if _, ok := emotionSymbols[emotion]; !ok {
		return nil, &UnmappedLabelError{Field: "emotion", Label: res.DominantEmotion}
	}
	gender := Gender(res.DominantGender)
	if _, ok := genderSymbols[gender]; !ok {
		return nil, &UnmappedLabelError{Field: "gender", Label: res.DominantGender}
	}
	return &Report{
		Age:     int(math.Round(res.Age)),
		Emotion: emotion,
		Gender:  gender,
	}, nil
}

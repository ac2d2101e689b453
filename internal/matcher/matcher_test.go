package matcher

import (
	"math"
	"testing"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vec builds a 128-d encoding with the given leading values.
func vec(vals ...float64) types.Encoding {
	v := make(types.Encoding, 128)
	copy(v, vals)
	return v
}

func aliceBob() *types.Registry {
	return types.NewRegistry().
		Append(vec(1.0), "Alice").
		Append(vec(0, 1.0), "Bob")
}

func TestClassify_ExactMatch(t *testing.T) {
	reg := aliceBob()

	res := Classify(vec(1.0), reg, DefaultThreshold)
	assert.Equal(t, "Alice", res.Name)
	assert.True(t, res.Matched)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, 0.0, res.Distance)
}

func TestClassify_FarProbeReportsMinimumDistance(t *testing.T) {
	reg := aliceBob()

	// Alice is 5.0 away, Bob sqrt(35): both beyond the threshold
	probe := vec(5, 0, 3)
	res := Classify(probe, reg, DefaultThreshold)

	wantAlice := math.Sqrt(16 + 9)
	wantBob := math.Sqrt(25 + 1 + 9)
	require.Less(t, wantAlice, wantBob)

	assert.Equal(t, types.UnknownName, res.Name)
	assert.False(t, res.Matched)
	assert.Equal(t, 0, res.Index)
	assert.InDelta(t, wantAlice, res.Distance, 1e-12)
}

func TestClassify_UnknownOnEmpty(t *testing.T) {
	for _, reg := range []*types.Registry{nil, types.NewRegistry()} {
		res := Classify(vec(0.3, 0.3), reg, DefaultThreshold)
		assert.Equal(t, types.UnknownName, res.Name)
		assert.False(t, res.Matched)
		assert.Equal(t, -1, res.Index)
		assert.True(t, math.IsInf(res.Distance, 1))
	}
}

func TestClassify_ThresholdBoundary(t *testing.T) {
	reg := types.NewRegistry().Append(vec(0), "Alice")
	const eps = 1e-9

	tests := []struct {
		name    string
		dist    float64
		matched bool
	}{
		{"just inside", DefaultThreshold - eps, true},
		{"exactly on threshold is inclusive", 0.5, true},
		{"just outside", DefaultThreshold + eps, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threshold := DefaultThreshold
			if tt.dist == 0.5 {
				// 0.5 is exactly representable, so the distance equals the threshold bit for bit
				threshold = 0.5
			}
			res := Classify(vec(tt.dist), reg, threshold)
			assert.Equal(t, tt.matched, res.Matched)
			if tt.matched {
				assert.Equal(t, "Alice", res.Name)
			} else {
				assert.Equal(t, types.UnknownName, res.Name)
			}
		})
	}
}

func TestClassify_TieBreaksOnLowestIndex(t *testing.T) {
	reg := types.NewRegistry().
		Append(vec(0.1), "First").
		Append(vec(0.1), "Second").
		Append(vec(-0.1), "Mirror")

	res := Classify(vec(0), reg, DefaultThreshold)
	assert.Equal(t, "First", res.Name)
	assert.Equal(t, 0, res.Index)
}

func TestClassify_DimensionMismatchNeverMatches(t *testing.T) {
	reg := aliceBob()
	res := Classify(types.Encoding{1.0}, reg, DefaultThreshold)
	assert.False(t, res.Matched)
	assert.Equal(t, types.UnknownName, res.Name)
}

func TestClassify_NonPositiveThresholdUsesDefault(t *testing.T) {
	reg := types.NewRegistry().Append(vec(0), "Alice")
	assert.True(t, Classify(vec(0.59), reg, 0).Matched)
	assert.False(t, Classify(vec(0.61), reg, -1).Matched)
}

func TestClassifyAll_IndependentPerDetection(t *testing.T) {
	reg := aliceBob()
	dets := []types.Detection{
		{Box: types.Box{Top: 1, Right: 2, Bottom: 3, Left: 0}, Encoding: vec(0, 1.0)},
		{Box: types.Box{Top: 5, Right: 9, Bottom: 8, Left: 6}, Encoding: vec(9)},
		{Box: types.Box{Top: 2, Right: 4, Bottom: 6, Left: 1}, Encoding: vec(1.0)},
	}

	results := ClassifyAll(dets, reg, DefaultThreshold)
	require.Len(t, results, 3)
	assert.Equal(t, "Bob", results[0].Name)
	assert.Equal(t, types.UnknownName, results[1].Name)
	assert.Equal(t, "Alice", results[2].Name)

	labels := Label(dets, results)
	require.Len(t, labels, 3)
	assert.Equal(t, dets[1].Box, labels[1].Box)
	assert.Equal(t, types.UnknownName, labels[1].Label)
}

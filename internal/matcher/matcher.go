// Package matcher classifies face encodings against the identity registry.
package matcher

import (
	"math"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/andresmejia3/facecam/internal/utils"
)

// DefaultThreshold is dlib's recommended Euclidean tolerance for 128-d face descriptors.
const DefaultThreshold = 0.6

// Classify returns the nearest registered identity for probe.
// The nearest candidate is the first minimum in registry order, and it only counts as a
// match when its distance is <= threshold (inclusive). An empty registry always yields
// Unknown with an infinite distance.
func Classify(probe types.Encoding, reg *types.Registry, threshold float64) types.MatchResult {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	res := types.MatchResult{Name: types.UnknownName, Distance: math.Inf(1), Index: -1}
	for i := 0; i < reg.Len(); i++ {
		d := utils.EuclideanDist(probe, reg.Encodings[i])
		if d < res.Distance {
			res.Distance = d
			res.Index = i
		}
	}

	if res.Index >= 0 && res.Distance <= threshold {
		res.Name = reg.Names[res.Index]
		res.Matched = true
	}
	return res
}

// ClassifyAll classifies every detection independently.
func ClassifyAll(dets []types.Detection, reg *types.Registry, threshold float64) []types.MatchResult {
	out := make([]types.MatchResult, len(dets))
	for i, d := range dets {
		out[i] = Classify(d.Encoding, reg, threshold)
	}
	return out
}

// Label builds the overlay entries for a frame from detections and their match results.
func Label(dets []types.Detection, results []types.MatchResult) []types.Labeled {
	out := make([]types.Labeled, 0, len(dets))
	for i, d := range dets {
		name := types.UnknownName
		if i < len(results) {
			name = results[i].Name
		}
		out = append(out, types.Labeled{Box: d.Box, Label: name})
	}
	return out
}

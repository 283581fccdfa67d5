package frame

import (
	"github.com/golang/geo/r2"
)

// DefaultGridRows and DefaultGridCols size the matching grid.
const (
	DefaultGridRows = 16
	DefaultGridCols = 20
)

// MatchingConfig contains the parameters of descriptor matching.
type MatchingConfig struct {
	// NNRatio is the nearest/second-nearest distance ratio a best match must
	// clear in unconstrained matching.
	NNRatio float64 `json:"nn_ratio"`
	// WindowPx is the search window, in pixels, of grid-constrained matching.
	WindowPx float64 `json:"window_px"`
	// MaxDist rejects best matches above this Hamming distance; zero disables.
	MaxDist int `json:"max_dist"`
}

// Match performs unconstrained 1-NN/2-NN ratio-test matching: for each entry
// of desc1 it returns the index of its best match in desc2, or NoLandmark when
// the ratio test fails. Each desc2 entry is assigned at most once, keeping the
// closer pairing on conflicts.
func Match(desc1, desc2 []Descriptor, cfg *MatchingConfig) ([]int, int) {
	matches := make([]int, len(desc1))
	bestDist := make([]int, len(desc1))
	owner := make(map[int]int, len(desc2)) // desc2 idx -> desc1 idx
	count := 0
	for i := range matches {
		matches[i] = NoLandmark
	}
	for i1, d1 := range desc1 {
		if d1 == nil {
			continue
		}
		best, second := -1, -1
		bestIdx := -1
		for i2, d2 := range desc2 {
			if d2 == nil {
				continue
			}
			d := HammingDistance(d1, d2)
			switch {
			case best < 0 || d < best:
				second = best
				best = d
				bestIdx = i2
			case second < 0 || d < second:
				second = d
			}
		}
		if bestIdx < 0 {
			continue
		}
		if cfg.MaxDist > 0 && best > cfg.MaxDist {
			continue
		}
		if second >= 0 && float64(best) >= cfg.NNRatio*float64(second) {
			continue
		}
		if prev, taken := owner[bestIdx]; taken {
			if bestDist[prev] <= best {
				continue
			}
			matches[prev] = NoLandmark
			count--
		}
		owner[bestIdx] = i1
		matches[i1] = bestIdx
		bestDist[i1] = best
		count++
	}
	return matches, count
}

// MatchGrid performs spatially constrained matching: projected[i1] is the
// predicted pixel of desc1[i1] in the target image, and grid indexes desc2 by
// pixel location. Only candidates within WindowPx of the prediction compete.
func MatchGrid(projected []r2.Point, desc1 []Descriptor, grid *Grid, desc2 []Descriptor, cfg *MatchingConfig) ([]int, int) {
	matches := make([]int, len(desc1))
	bestDist := make([]int, len(desc1))
	owner := make(map[int]int, len(desc2))
	count := 0
	for i := range matches {
		matches[i] = NoLandmark
	}
	for i1, d1 := range desc1 {
		if d1 == nil {
			continue
		}
		best, second := -1, -1
		bestIdx := -1
		seen := map[int]bool{}
		for _, i2 := range grid.Near(projected[i1], cfg.WindowPx) {
			if seen[i2] || desc2[i2] == nil {
				continue
			}
			seen[i2] = true
			d := HammingDistance(d1, desc2[i2])
			switch {
			case best < 0 || d < best:
				second = best
				best = d
				bestIdx = i2
			case second < 0 || d < second:
				second = d
			}
		}
		if bestIdx < 0 {
			continue
		}
		if cfg.MaxDist > 0 && best > cfg.MaxDist {
			continue
		}
		if second >= 0 && float64(best) >= cfg.NNRatio*float64(second) {
			continue
		}
		if prev, taken := owner[bestIdx]; taken {
			if bestDist[prev] <= best {
				continue
			}
			matches[prev] = NoLandmark
			count--
		}
		owner[bestIdx] = i1
		matches[i1] = bestIdx
		bestDist[i1] = best
		count++
	}
	return matches, count
}

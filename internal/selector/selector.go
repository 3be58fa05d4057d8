// Package selector picks the candidate whose pixel dimensions are closest to
// a target size. It is used to choose a link preview thumbnail from the set of
// images a page advertises.
package selector

import "math"

// MaxDimension is the largest width or height treated as a real image size.
// Larger values are handled as if the size were unknown.
const MaxDimension = 1 << 16

// Point is a width/height pair in pixels.
type Point struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsZero reports whether either dimension is missing.
func (p Point) IsZero() bool {
	return p.Width <= 0 || p.Height <= 0
}

// Valid reports whether both dimensions are positive and within
// MaxDimension.
func (p Point) Valid() bool {
	return !p.IsZero() && p.Width <= MaxDimension && p.Height <= MaxDimension
}

// Candidate pairs an optional point with the payload returned when it wins.
// A nil Point marks the candidate as unranked.
type Candidate[T any] struct {
	Point   *Point `json:"point,omitempty"`
	Payload T      `json:"payload"`
}

// maxAxis is the largest per-axis difference whose squares can be summed
// without overflowing int64.
const maxAxis = math.MaxInt32

// Distance returns the squared Euclidean distance between two points. It
// saturates at math.MaxInt64 instead of wrapping.
func Distance(a, b Point) int64 {
	dw, dh := axisDelta(a.Width, b.Width), axisDelta(a.Height, b.Height)
	if dw > maxAxis || dh > maxAxis {
		return math.MaxInt64
	}
	return int64(dw*dw + dh*dh) //nolint:gosec // bounded by maxAxis
}

func axisDelta(a, b int) uint64 {
	if a > b {
		return uint64(a) - uint64(b) //nolint:gosec // modular difference is exact when a > b
	}
	return uint64(b) - uint64(a) //nolint:gosec // as above
}

// Nearest returns the payload of the candidate closest to target. The scan
// is left to right and only a strictly smaller distance replaces the current
// best, so the first of several equally near candidates wins.
//
// Unranked candidates (nil Point) replace the current best only until the
// first ranked candidate has been seen. When no candidate carries
// dimensions this yields the last candidate, which matches the behavior
// clients have always observed.
//
// The boolean is false only for an empty candidate list.
func Nearest[T any](target Point, candidates []Candidate[T]) (T, bool) {
	var zero T
	if len(candidates) == 0 {
		return zero, false
	}

	best := -1
	ranked := false
	var bestDist int64

	for i, c := range candidates {
		if c.Point == nil {
			if !ranked {
				best = i
			}
			continue
		}

		d := Distance(target, *c.Point)
		if !ranked || d < bestDist {
			best = i
			bestDist = d
			ranked = true
		}
	}

	return candidates[best].Payload, true
}

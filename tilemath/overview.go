package tilemath

import (
	"math"

	cogerrors "github.com/akhenakh/cogtile/errors"
)

// SelectClosestOverview returns the scale in scales nearest to desired.
// When two scales are equally near, the smaller one wins so the output is
// never coarser than it has to be.
func SelectClosestOverview(scales []int, desired float64) (int, error) {
	if len(scales) == 0 {
		return 0, cogerrors.ErrLevelNotFound.WithMessage("no overview scales available")
	}
	if math.IsNaN(desired) {
		return 0, cogerrors.ErrLevelNotFound.WithMessage("desired scale is NaN")
	}

	best := scales[0]
	bestDist := math.Abs(float64(best) - desired)
	for _, s := range scales[1:] {
		d := math.Abs(float64(s) - desired)
		if d < bestDist || (d == bestDist && s < best) {
			best, bestDist = s, d
		}
	}
	return best, nil
}

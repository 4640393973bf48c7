package gesture

import (
	"errors"
	"sort"
)

// ZoomStops is an ascending list of discrete zoom levels. The first stop is home.
type ZoomStops []float64

// DefaultZoomStops returns 1x, 3x, 6x and 12x.
func DefaultZoomStops() ZoomStops {
	return ZoomStops{1, 3, 6, 12}
}

// Validate requires a non-empty, strictly ascending, positive list.
func (z ZoomStops) Validate() error {
	if len(z) == 0 {
		return errors.New("zoom stops: at least one stop required")
	}
	for i, v := range z {
		if v <= 0 {
			return errors.New("zoom stops: stops must be positive")
		}
		if i > 0 && v <= z[i-1] {
			return errors.New("zoom stops: stops must be strictly ascending")
		}
	}
	return nil
}

// Home returns the first stop.
func (z ZoomStops) Home() float64 {
	if len(z) == 0 {
		return 1
	}
	return z[0]
}

// Max returns the last stop.
func (z ZoomStops) Max() float64 {
	if len(z) == 0 {
		return 1
	}
	return z[len(z)-1]
}

// Index returns the position of the highest stop not above current.
func (z ZoomStops) Index(current float64) int {
	idx := sort.Search(len(z), func(i int) bool { return z[i] > current+zoomEpsilon })
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// Next returns the stop after current, wrapping to home once the last stop is passed.
func (z ZoomStops) Next(current float64) float64 {
	if len(z) == 0 {
		return 1
	}
	if z.AtMax(current) {
		return z.Home()
	}
	if current < z[0]-zoomEpsilon {
		return z[0]
	}
	return z[z.Index(current)+1]
}

// AtMax reports whether current is at or beyond the last stop.
func (z ZoomStops) AtMax(current float64) bool {
	return current >= z.Max()-zoomEpsilon
}

const zoomEpsilon = 1e-6

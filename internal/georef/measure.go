package georef

import (
	"errors"
	"math"
)

// DefaultHeightRatio estimates vessel height from its apparent width
const DefaultHeightRatio = 3.5

// Dimensions are estimated vessel dimensions in meters
type Dimensions struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Zone is an axis-aligned pixel rectangle
type Zone struct {
	X1, Y1, X2, Y2 float64
}

// Contains reports whether the point lies inside the zone (edges inclusive)
func (z Zone) Contains(x, y float64) bool {
	return z.X1 <= x && x <= z.X2 && z.Y1 <= y && y <= z.Y2
}

// DimensionEstimator measures vessels inside a calibrated zone using a
// scale line of known real-world length.
type DimensionEstimator struct {
	zone           Zone
	metersPerPixel float64
	heightRatio    float64
}

// NewDimensionEstimator creates an estimator from a measurement zone and a
// scale line from a to b spanning realDistance meters.
func NewDimensionEstimator(zone Zone, a, b Pixel, realDistance, heightRatio float64) (*DimensionEstimator, error) {
	pixels := math.Hypot(b.X-a.X, b.Y-a.Y)
	if pixels == 0 {
		return nil, errors.New("scale line has zero length")
	}
	if realDistance <= 0 {
		return nil, errors.New("scale line real distance must be positive")
	}
	if heightRatio <= 0 {
		heightRatio = DefaultHeightRatio
	}
	return &DimensionEstimator{
		zone:           zone,
		metersPerPixel: realDistance / pixels,
		heightRatio:    heightRatio,
	}, nil
}

// MetersPerPixel returns the scale of the estimator
func (d *DimensionEstimator) MetersPerPixel() float64 {
	return d.metersPerPixel
}

// Measure estimates dimensions for a bounding box whose centre lies in the
// measurement zone. ok is false outside the zone.
func (d *DimensionEstimator) Measure(x1, y1, x2, y2 float64) (Dimensions, bool) {
	if d == nil {
		return Dimensions{}, false
	}
	if !d.zone.Contains((x1+x2)/2, (y1+y2)/2) {
		return Dimensions{}, false
	}

	width := math.Abs(y2-y1) * d.metersPerPixel
	return Dimensions{
		Length: math.Abs(x2-x1) * d.metersPerPixel,
		Width:  width,
		Height: width * d.heightRatio,
	}, true
}

// AverageDimensions returns the mean of the samples
func AverageDimensions(samples []Dimensions) (Dimensions, bool) {
	if len(samples) == 0 {
		return Dimensions{}, false
	}
	var sum Dimensions
	for _, s := range samples {
		sum.Length += s.Length
		sum.Width += s.Width
		sum.Height += s.Height
	}
	n := float64(len(samples))
	return Dimensions{Length: sum.Length / n, Width: sum.Width / n, Height: sum.Height / n}, true
}

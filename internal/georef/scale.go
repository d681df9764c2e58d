package georef

import (
	"errors"
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances
const EarthRadiusMeters = 6371000.0

// Scale describes a reference line between two control points
type Scale struct {
	// Direction is the unit vector from the first to the second pixel
	Direction [2]float64 `json:"direction"`
	// Meters is the great-circle distance between the two geo points
	Meters float64 `json:"meters"`
	// Pixels is the euclidean distance between the two pixels
	Pixels float64 `json:"pixels"`
	// MetersPerPixel is Meters / Pixels
	MetersPerPixel float64 `json:"meters_per_pixel"`
}

// HaversineDistance returns the great-circle distance between two positions in meters
func HaversineDistance(a, b Position) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// ReferenceScale computes the direction vector and linear pixel-to-meter
// scale between two control points. It is independent of the affine fit.
func ReferenceScale(p1, p2 ControlPoint) (Scale, error) {
	dx := p2.Pixel.X - p1.Pixel.X
	dy := p2.Pixel.Y - p1.Pixel.Y
	pixels := math.Hypot(dx, dy)
	if pixels == 0 {
		return Scale{}, errors.New("reference points share the same pixel")
	}

	meters := HaversineDistance(p1.Geo, p2.Geo)

	return Scale{
		Direction:      [2]float64{dx / pixels, dy / pixels},
		Meters:         meters,
		Pixels:         pixels,
		MetersPerPixel: meters / pixels,
	}, nil
}

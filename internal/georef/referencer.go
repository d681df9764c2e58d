// Package georef converts between camera pixel coordinates and geographic
// coordinates using per-camera ground control points.
package georef

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MinTransformPoints is the number of non-collinear control points required
// to fit an affine transform.
const MinTransformPoints = 3

// maxCondition bounds the condition number of the design matrix; anything
// larger means the control points are (nearly) collinear.
const maxCondition = 1e10

// ErrNotCalibrated is returned by coordinate conversions on a referencer that
// has fewer than three control points.
var ErrNotCalibrated = errors.New("georeferencer not calibrated: at least 3 control points required")

// InsufficientPointsError is returned when a fit is requested with too few
// usable control points.
type InsufficientPointsError struct {
	Have   int
	Need   int
	Reason string
}

func (e *InsufficientPointsError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("insufficient control points: have %d, need %d (%s)", e.Have, e.Need, e.Reason)
	}
	return fmt.Sprintf("insufficient control points: have %d, need %d", e.Have, e.Need)
}

// Pixel is an image coordinate
type Pixel struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Position is a geographic coordinate in degrees
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ControlPoint pairs a pixel with its surveyed geographic position
type ControlPoint struct {
	Name  string   `json:"name"`
	Pixel Pixel    `json:"pixel"`
	Geo   Position `json:"geo"`
}

// Transform is a fitted pixel<->geo affine transform.
// Both matrices are 3x3 homogeneous: [lon lat 1] = forward * [x y 1].
type Transform struct {
	forward *mat.Dense
	inverse *mat.Dense
}

// Calibrate fits a least-squares affine transform from pixel to geographic
// coordinates. Three or more non-collinear points are required.
func Calibrate(points []ControlPoint) (*Transform, error) {
	n := len(points)
	if n < MinTransformPoints {
		return nil, &InsufficientPointsError{Have: n, Need: MinTransformPoints}
	}

	a := mat.NewDense(n, 3, nil)
	lon := mat.NewVecDense(n, nil)
	lat := mat.NewVecDense(n, nil)
	for i, p := range points {
		a.Set(i, 0, p.Pixel.X)
		a.Set(i, 1, p.Pixel.Y)
		a.Set(i, 2, 1)
		lon.SetVec(i, p.Geo.Lon)
		lat.SetVec(i, p.Geo.Lat)
	}

	if c := mat.Cond(a, 2); math.IsInf(c, 1) || math.IsNaN(c) || c > maxCondition {
		return nil, &InsufficientPointsError{Have: n, Need: MinTransformPoints, Reason: "points are collinear"}
	}

	var px, py mat.VecDense
	if err := px.SolveVec(a, lon); err != nil {
		return nil, fmt.Errorf("failed to fit longitude: %w", err)
	}
	if err := py.SolveVec(a, lat); err != nil {
		return nil, fmt.Errorf("failed to fit latitude: %w", err)
	}

	forward := mat.NewDense(3, 3, []float64{
		px.AtVec(0), px.AtVec(1), px.AtVec(2),
		py.AtVec(0), py.AtVec(1), py.AtVec(2),
		0, 0, 1,
	})

	var inverse mat.Dense
	if err := inverse.Inverse(forward); err != nil {
		return nil, &InsufficientPointsError{Have: n, Need: MinTransformPoints, Reason: "degenerate transform"}
	}

	return &Transform{forward: forward, inverse: &inverse}, nil
}

func apply(m *mat.Dense, u, v float64) (float64, float64) {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, []float64{u, v, 1}))
	return out.AtVec(0), out.AtVec(1)
}

// PixelToGeo maps a pixel to (lat, lon)
func (t *Transform) PixelToGeo(x, y float64) (lat, lon float64) {
	lon, lat = apply(t.forward, x, y)
	return lat, lon
}

// GeoToPixel maps (lat, lon) back to a pixel
func (t *Transform) GeoToPixel(lat, lon float64) (x, y float64) {
	return apply(t.inverse, lon, lat)
}

// Referencer is the per-camera georeferencer. It is immutable once built and
// safe for concurrent use without locking.
type Referencer struct {
	cameraID  string
	points    []ControlPoint
	transform *Transform
	scale     *Scale
}

// NewReferencer builds a referencer from the camera's control points.
// With three or more points a full transform is fitted; with two points only
// the reference scale is available.
func NewReferencer(cameraID string, points []ControlPoint) (*Referencer, error) {
	if len(points) == 0 {
		return nil, &InsufficientPointsError{Have: 0, Need: 2, Reason: "no control points for " + cameraID}
	}

	r := &Referencer{
		cameraID: cameraID,
		points:   append([]ControlPoint(nil), points...),
	}

	if len(points) >= MinTransformPoints {
		t, err := Calibrate(points)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", cameraID, err)
		}
		r.transform = t
	}

	if len(points) >= 2 {
		s, err := ReferenceScale(points[0], points[1])
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", cameraID, err)
		}
		r.scale = &s
	}

	return r, nil
}

// CameraID returns the camera this referencer belongs to
func (r *Referencer) CameraID() string {
	return r.cameraID
}

// Calibrated reports whether a full transform is available
func (r *Referencer) Calibrated() bool {
	return r.transform != nil
}

// Points returns a copy of the control points
func (r *Referencer) Points() []ControlPoint {
	return append([]ControlPoint(nil), r.points...)
}

// PixelToGeo converts a pixel to (lat, lon)
func (r *Referencer) PixelToGeo(x, y float64) (lat, lon float64, err error) {
	if r.transform == nil {
		return 0, 0, ErrNotCalibrated
	}
	lat, lon = r.transform.PixelToGeo(x, y)
	return lat, lon, nil
}

// GeoToPixel converts (lat, lon) to a pixel
func (r *Referencer) GeoToPixel(lat, lon float64) (x, y float64, err error) {
	if r.transform == nil {
		return 0, 0, ErrNotCalibrated
	}
	x, y = r.transform.GeoToPixel(lat, lon)
	return x, y, nil
}

// Scale returns the reference scale computed from the first two control points
func (r *Referencer) Scale() (Scale, bool) {
	if r.scale == nil {
		return Scale{}, false
	}
	return *r.scale, true
}

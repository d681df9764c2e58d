// Package pipeline drives the per-cycle fusion of camera detections into
// global identities and visit events.
package pipeline

import (
	"time"

	"github.com/Spatial-NVR/channeltrack/internal/core"
	"github.com/Spatial-NVR/channeltrack/internal/georef"
)

// BBox is a pixel bounding box, top-left (X1, Y1) to bottom-right (X2, Y2)
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Validate rejects inverted or empty boxes
func (b BBox) Validate() error {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return core.NewValidationError("bbox", "inverted or empty box (%.1f,%.1f)-(%.1f,%.1f)", b.X1, b.Y1, b.X2, b.Y2)
	}
	return nil
}

// Area returns the box area in square pixels
func (b BBox) Area() float64 {
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Center returns the centre point of the box
func (b BBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Detection is one object found in a camera frame by the external detector
// and local tracker.
type Detection struct {
	CameraID     string    `json:"camera_id"`
	Class        string    `json:"class"`
	BBox         BBox      `json:"bbox"`
	Score        float64   `json:"score"`
	LocalTrackID int64     `json:"track_id"`
	Embedding    []float32 `json:"embedding"`
	// Area defaults to the bbox area when zero
	Area float64 `json:"area,omitempty"`
}

// Batch is the set of detections one camera produced for one cycle
type Batch struct {
	CameraID   string      `json:"camera_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`
}

// Frame is an encoded image captured from a camera
type Frame struct {
	CameraID  string
	Timestamp time.Time
	Data      []byte
	Width     int
	Height    int
	Format    string // "jpeg", "png"
}

// Sighting is the per-detection outcome of a cycle, published for overlay
// and export consumers whether or not it resolved to an identity.
type Sighting struct {
	CameraID     string             `json:"camera_id"`
	Class        string             `json:"class"`
	LocalTrackID int64              `json:"track_id"`
	GlobalID     uint64             `json:"global_id,omitempty"`
	Resolved     bool               `json:"resolved"`
	BBox         BBox               `json:"bbox"`
	Score        float64            `json:"score"`
	Geocoded     bool               `json:"geocoded"`
	Lat          float64            `json:"lat,omitempty"`
	Lon          float64            `json:"lon,omitempty"`
	ChannelType  string             `json:"channel_type,omitempty"`
	Dimensions   *georef.Dimensions `json:"dimensions,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// TrackEnded reports that a camera's local tracker dropped a track
type TrackEnded struct {
	CameraID     string `json:"camera_id"`
	Class        string `json:"class"`
	LocalTrackID int64  `json:"track_id"`
}

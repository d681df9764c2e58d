// Package events tracks the visit lifecycle of each resolved vessel and
// persists its trajectory.
package events

import (
	"time"

	"github.com/Spatial-NVR/channeltrack/internal/georef"
	"github.com/Spatial-NVR/channeltrack/internal/identity"
)

// DefaultTrackingInterval is the minimum spacing between persisted points
const DefaultTrackingInterval = 10 * time.Second

// Status of a visit event
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// TrackingPoint is one sample of an event's averaged position
type TrackingPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	ChannelType string    `json:"channel_type,omitempty"`
}

// VesselEvent is one visit of a vessel through the camera array
type VesselEvent struct {
	Ref             identity.Ref               `json:"ref"`
	VesselID        string                     `json:"vessel_id,omitempty"`
	EventID         string                     `json:"event_id,omitempty"`
	Status          Status                     `json:"status"`
	StartTime       time.Time                  `json:"start_time"`
	EndTime         *time.Time                 `json:"end_time,omitempty"`
	TrackingPoints  []TrackingPoint            `json:"tracking_points"`
	CameraPositions map[string]georef.Position `json:"camera_positions,omitempty"`
	Dimensions      *georef.Dimensions         `json:"dimensions,omitempty"`
}

// Position returns the unweighted mean of the per-camera positions
func (e *VesselEvent) Position() (georef.Position, bool) {
	if len(e.CameraPositions) == 0 {
		return georef.Position{}, false
	}
	var p georef.Position
	for _, cp := range e.CameraPositions {
		p.Lat += cp.Lat
		p.Lon += cp.Lon
	}
	n := float64(len(e.CameraPositions))
	return georef.Position{Lat: p.Lat / n, Lon: p.Lon / n}, true
}

func (e *VesselEvent) clone() VesselEvent {
	cp := *e
	cp.TrackingPoints = append([]TrackingPoint(nil), e.TrackingPoints...)
	cp.CameraPositions = make(map[string]georef.Position, len(e.CameraPositions))
	for cam, p := range e.CameraPositions {
		cp.CameraPositions[cam] = p
	}
	if e.EndTime != nil {
		t := *e.EndTime
		cp.EndTime = &t
	}
	if e.Dimensions != nil {
		d := *e.Dimensions
		cp.Dimensions = &d
	}
	return cp
}

// Observation is a resolved, geocoded sighting handed to the tracker
type Observation struct {
	Ref         identity.Ref
	CameraID    string
	Time        time.Time
	Position    georef.Position
	ChannelType string
	// Features is the embedding recorded on the vessel when its event starts
	Features []float32
	// Dimensions is set when the camera has a measurement zone covering the sighting
	Dimensions *georef.Dimensions
}

// NotificationKind identifies a lifecycle transition
type NotificationKind string

const (
	NotifyStarted   NotificationKind = "started"
	NotifyPoint     NotificationKind = "point"
	NotifyCompleted NotificationKind = "completed"
)

// Notification is delivered to subscribers on every lifecycle transition
type Notification struct {
	Kind  NotificationKind `json:"kind"`
	Event VesselEvent      `json:"event"`
	Point *TrackingPoint   `json:"point,omitempty"`
}

// ListOptions filters persisted events
type ListOptions struct {
	Status Status
	Class  string
	Since  time.Time
	Limit  int
	Offset int
}

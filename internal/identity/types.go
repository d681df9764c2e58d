// Package identity maintains the gallery of known objects and maps
// per-camera local tracks to durable global identities.
package identity

import (
	"fmt"
	"time"
)

// GlobalID identifies one physical object within its class.
// Values are allocated from a per-class counter and never reused.
type GlobalID uint64

// Ref identifies a global identity across classes
type Ref struct {
	Class string   `json:"class"`
	ID    GlobalID `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.Class, r.ID)
}

// BindingKey identifies a local track produced by one camera's tracker
type BindingKey struct {
	Class        string `json:"class"`
	CameraID     string `json:"camera_id"`
	LocalTrackID int64  `json:"local_track_id"`
}

// Slot addresses one camera's stored embedding of an identity in the index
type Slot struct {
	ID       GlobalID
	CameraID string
}

// Shot is the best view of an identity seen so far by one camera
type Shot struct {
	Embedding []float32
	MaxArea   float64
	UpdatedAt time.Time
}

// GlobalIdentity is a gallery entry
type GlobalIdentity struct {
	ID        GlobalID
	Class     string
	PerCamera map[string]*Shot
	CreatedAt time.Time
	LastSeen  time.Time
}

// Sighting is the input to a resolution: one detection reduced to the
// fields the gallery needs.
type Sighting struct {
	CameraID     string
	Class        string
	LocalTrackID int64
	Embedding    []float32
	Area         float64
	// BBox is x1, y1, x2, y2; only consulted by admission policies
	BBox [4]float64
}

// AdmissionPolicy decides whether an unbound sighting may be matched or
// registered. Returning false resolves the sighting to none. A typical use is
// a directional-movement filter that only admits vessels heading into port.
type AdmissionPolicy func(s Sighting) bool

// ClassStats summarises one class's gallery
type ClassStats struct {
	Class      string   `json:"class"`
	Identities int      `json:"identities"`
	Bindings   int      `json:"bindings"`
	IndexSize  int      `json:"index_size"`
	NextID     GlobalID `json:"next_id"`
	Evicted    uint64   `json:"evicted"`
}

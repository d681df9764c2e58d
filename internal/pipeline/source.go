package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoBatch is returned by a BatchSource that has nothing new for a camera
var ErrNoBatch = errors.New("no batch available")

// BatchSource supplies the detections of one camera for the current cycle
type BatchSource interface {
	Fetch(ctx context.Context, cameraID string) (Batch, error)
}

// FrameSource captures a frame from a camera
type FrameSource interface {
	GrabFrame(ctx context.Context, cameraID string) (*Frame, error)
}

// Detector runs detection, local tracking and embedding on a frame
type Detector interface {
	Detect(ctx context.Context, frame *Frame) ([]Detection, error)
}

// DetectorSource pulls a frame per camera and runs it through a detector
type DetectorSource struct {
	Frames   FrameSource
	Detector Detector
}

// Fetch grabs a frame and returns its detections as a batch
func (s *DetectorSource) Fetch(ctx context.Context, cameraID string) (Batch, error) {
	frame, err := s.Frames.GrabFrame(ctx, cameraID)
	if err != nil {
		return Batch{}, fmt.Errorf("grab frame: %w", err)
	}
	dets, err := s.Detector.Detect(ctx, frame)
	if err != nil {
		return Batch{}, fmt.Errorf("detect: %w", err)
	}
	for i := range dets {
		dets[i].CameraID = cameraID
	}
	return Batch{CameraID: cameraID, Timestamp: frame.Timestamp, Detections: dets}, nil
}

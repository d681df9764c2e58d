package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/channeltrack/internal/core"
)

// Subscriber is the subscription side of the event bus
type Subscriber interface {
	Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error)
}

// BusSource receives detection batches pushed by an external detector over
// the event bus and hands the latest unconsumed batch per camera to Fetch.
type BusSource struct {
	mu      sync.Mutex
	latest  map[string]Batch
	subs    []*nats.Subscription
	onEnded func(TrackEnded)
	logger  *slog.Logger
}

// NewBusSource subscribes to detection batches and track-ended signals.
// onEnded may be nil.
func NewBusSource(bus Subscriber, onEnded func(TrackEnded), logger *slog.Logger) (*BusSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &BusSource{
		latest:  make(map[string]Batch),
		onEnded: onEnded,
		logger:  logger.With("component", "bus_source"),
	}

	sub, err := bus.Subscribe(core.SubjectDetectionsPrefix+"*", s.handleBatch)
	if err != nil {
		return nil, err
	}
	s.subs = append(s.subs, sub)

	sub, err = bus.Subscribe(core.SubjectTracksEndedPrefix+"*", s.handleTrackEnded)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.subs = append(s.subs, sub)

	return s, nil
}

func (s *BusSource) handleBatch(msg *nats.Msg) {
	var b Batch
	if err := json.Unmarshal(msg.Data, &b); err != nil {
		s.logger.Warn("Invalid detection batch", "subject", msg.Subject, "error", err)
		return
	}
	cam := strings.TrimPrefix(msg.Subject, core.SubjectDetectionsPrefix)
	if b.CameraID == "" {
		b.CameraID = cam
	}
	s.Push(b)
}

func (s *BusSource) handleTrackEnded(msg *nats.Msg) {
	var te TrackEnded
	if err := json.Unmarshal(msg.Data, &te); err != nil {
		s.logger.Warn("Invalid track-ended message", "subject", msg.Subject, "error", err)
		return
	}
	if te.CameraID == "" {
		te.CameraID = strings.TrimPrefix(msg.Subject, core.SubjectTracksEndedPrefix)
	}
	if s.onEnded != nil {
		s.onEnded(te)
	}
}

// Push stores b as the latest batch of its camera, replacing any batch not
// yet fetched.
func (s *BusSource) Push(b Batch) {
	s.mu.Lock()
	s.latest[b.CameraID] = b
	s.mu.Unlock()
}

// Fetch returns and consumes the latest batch for cameraID
func (s *BusSource) Fetch(ctx context.Context, cameraID string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.latest[cameraID]
	if !ok {
		return Batch{}, ErrNoBatch
	}
	delete(s.latest, cameraID)
	return b, nil
}

// Close removes the bus subscriptions
func (s *BusSource) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

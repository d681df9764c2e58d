package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Spatial-NVR/channeltrack/internal/georef"
	"github.com/Spatial-NVR/channeltrack/internal/identity"
)

// Persistence is the storage the tracker writes through. Implementations
// must make AppendTrackingPoint idempotent on (eventID, timestamp) and
// CompleteEvent a no-op for an already completed event.
type Persistence interface {
	CreateVessel(ctx context.Context, ref identity.Ref, firstSeen time.Time, features []float32) (string, error)
	CreateEvent(ctx context.Context, vesselID string, start time.Time, initial TrackingPoint) (string, error)
	AppendTrackingPoint(ctx context.Context, eventID string, p TrackingPoint) error
	TouchVessel(ctx context.Context, vesselID string, lastSeen time.Time) error
	CompleteEvent(ctx context.Context, eventID string, end time.Time) error
	UpdateVesselDimensions(ctx context.Context, vesselID string, d georef.Dimensions) error
}

type tracked struct {
	event      VesselEvent
	lastSample time.Time
	features   []float32
	// persisted counts the leading tracking points known to be stored
	persisted int
	dims      []georef.Dimensions
}

// Tracker owns the ABSENT -> ACTIVE -> COMPLETED lifecycle of every
// resolved identity. COMPLETED is terminal: later sightings of the identity
// are ignored until Expire reports it evicted from the gallery. A single
// mutex guards all state.
type Tracker struct {
	store    Persistence
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	active map[identity.Ref]*tracked
	// pending holds completed events whose final writes failed
	pending map[identity.Ref]*tracked
	// completed holds identities whose event ended and that are still in
	// the gallery
	completed map[identity.Ref]struct{}

	subMu       sync.RWMutex
	subscribers []chan Notification
}

// NewTracker creates a tracker writing through store
func NewTracker(store Persistence, interval time.Duration, logger *slog.Logger) *Tracker {
	if interval <= 0 {
		interval = DefaultTrackingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:     store,
		interval:  interval,
		logger:    logger.With("component", "event_tracker"),
		active:    make(map[identity.Ref]*tracked),
		pending:   make(map[identity.Ref]*tracked),
		completed: make(map[identity.Ref]struct{}),
	}
}

// Subscribe returns a channel receiving lifecycle notifications.
// Slow subscribers miss notifications rather than blocking the tracker.
func (t *Tracker) Subscribe() chan Notification {
	ch := make(chan Notification, 100)
	t.subMu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (t *Tracker) Unsubscribe(ch chan Notification) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	for i, sub := range t.subscribers {
		if sub == ch {
			t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

func (t *Tracker) notify(n Notification) {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

// Observe applies one resolved sighting. The in-memory transition always
// happens; a persistence error is returned and the write is retried on a
// later observation. Sightings of an identity whose event has completed
// are dropped.
func (t *Tracker) Observe(ctx context.Context, obs Observation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.completed[obs.Ref]; done {
		t.logger.Debug("Ignoring sighting of completed identity",
			"ref", obs.Ref.String(), "camera", obs.CameraID)
		return nil
	}

	tr, ok := t.active[obs.Ref]
	if !ok {
		return t.start(ctx, obs)
	}

	tr.event.CameraPositions[obs.CameraID] = obs.Position
	if obs.Dimensions != nil {
		tr.dims = append(tr.dims, *obs.Dimensions)
	}

	var point *TrackingPoint
	if obs.Time.Sub(tr.lastSample) >= t.interval {
		avg, _ := tr.event.Position()
		p := TrackingPoint{Timestamp: obs.Time, Lat: avg.Lat, Lon: avg.Lon, ChannelType: obs.ChannelType}
		tr.event.TrackingPoints = append(tr.event.TrackingPoints, p)
		tr.lastSample = obs.Time
		point = &p
	}

	err := t.sync(ctx, tr)
	if err == nil && point != nil {
		if terr := t.store.TouchVessel(ctx, tr.event.VesselID, obs.Time); terr != nil {
			err = fmt.Errorf("touch vessel %s: %w", tr.event.VesselID, terr)
		}
	}

	if point != nil {
		t.notify(Notification{Kind: NotifyPoint, Event: tr.event.clone(), Point: point})
	}
	return err
}

func (t *Tracker) start(ctx context.Context, obs Observation) error {
	initial := TrackingPoint{
		Timestamp:   obs.Time,
		Lat:         obs.Position.Lat,
		Lon:         obs.Position.Lon,
		ChannelType: obs.ChannelType,
	}
	tr := &tracked{
		event: VesselEvent{
			Ref:             obs.Ref,
			Status:          StatusActive,
			StartTime:       obs.Time,
			TrackingPoints:  []TrackingPoint{initial},
			CameraPositions: map[string]georef.Position{obs.CameraID: obs.Position},
		},
		lastSample: obs.Time,
		features:   append([]float32(nil), obs.Features...),
	}
	if obs.Dimensions != nil {
		tr.dims = append(tr.dims, *obs.Dimensions)
	}
	t.active[obs.Ref] = tr

	err := t.sync(ctx, tr)
	if err == nil {
		t.logger.Info("Vessel event started",
			"ref", obs.Ref.String(), "event_id", tr.event.EventID, "camera", obs.CameraID)
	}
	t.notify(Notification{Kind: NotifyStarted, Event: tr.event.clone()})
	return err
}

// sync brings storage up to date with the in-memory event: it creates the
// vessel and event records if an earlier attempt failed, then appends any
// tracking points not yet stored.
func (t *Tracker) sync(ctx context.Context, tr *tracked) error {
	ev := &tr.event
	if ev.VesselID == "" {
		id, err := t.store.CreateVessel(ctx, ev.Ref, ev.StartTime, tr.features)
		if err != nil {
			return fmt.Errorf("create vessel for %s: %w", ev.Ref, err)
		}
		ev.VesselID = id
	}
	if ev.EventID == "" {
		id, err := t.store.CreateEvent(ctx, ev.VesselID, ev.StartTime, ev.TrackingPoints[0])
		if err != nil {
			return fmt.Errorf("create event for %s: %w", ev.Ref, err)
		}
		ev.EventID = id
		tr.persisted = 1
	}
	for tr.persisted < len(ev.TrackingPoints) {
		if err := t.store.AppendTrackingPoint(ctx, ev.EventID, ev.TrackingPoints[tr.persisted]); err != nil {
			return fmt.Errorf("append tracking point to %s: %w", ev.EventID, err)
		}
		tr.persisted++
	}
	return nil
}

// CheckCompletion completes every active event whose identity was
// positioned by the terminal camera before but is absent from seen, the
// set of identities the terminal camera resolved this cycle. Call it only
// for cycles in which the terminal camera produced a batch. Completions
// whose persistence failed on an earlier call are retried first.
func (t *Tracker) CheckCompletion(ctx context.Context, terminal string, seen map[identity.Ref]bool, now time.Time) ([]VesselEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := t.retryPending(ctx)

	var refs []identity.Ref
	for ref, tr := range t.active {
		if _, had := tr.event.CameraPositions[terminal]; had && !seen[ref] {
			refs = append(refs, ref)
		}
	}
	sortRefs(refs)

	completed, cerrs := t.complete(ctx, refs, now)
	return completed, errors.Join(append(errs, cerrs...)...)
}

// Expire completes the events of identities evicted from the gallery,
// whatever cameras last saw them, and forgets that their events completed.
func (t *Tracker) Expire(ctx context.Context, refs []identity.Ref, now time.Time) ([]VesselEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var live []identity.Ref
	for _, ref := range refs {
		if _, ok := t.active[ref]; ok {
			live = append(live, ref)
		}
	}
	defer func() {
		for _, ref := range refs {
			delete(t.completed, ref)
		}
	}()
	sortRefs(live)

	completed, errs := t.complete(ctx, live, now)
	return completed, errors.Join(errs...)
}

func (t *Tracker) complete(ctx context.Context, refs []identity.Ref, now time.Time) ([]VesselEvent, []error) {
	var completed []VesselEvent
	var errs []error

	for _, ref := range refs {
		tr := t.active[ref]
		delete(t.active, ref)
		t.completed[ref] = struct{}{}

		end := now
		tr.event.EndTime = &end
		tr.event.Status = StatusCompleted
		if avg, ok := georef.AverageDimensions(tr.dims); ok {
			tr.event.Dimensions = &avg
		}

		if err := t.finish(ctx, tr); err != nil {
			t.pending[ref] = tr
			errs = append(errs, err)
			t.logger.Warn("Failed to persist event completion, will retry",
				"ref", ref.String(), "error", err)
		} else {
			t.logger.Info("Vessel event completed",
				"ref", ref.String(), "event_id", tr.event.EventID,
				"points", len(tr.event.TrackingPoints), "duration", end.Sub(tr.event.StartTime))
		}

		snapshot := tr.event.clone()
		completed = append(completed, snapshot)
		t.notify(Notification{Kind: NotifyCompleted, Event: snapshot})
	}
	return completed, errs
}

func (t *Tracker) finish(ctx context.Context, tr *tracked) error {
	if err := t.sync(ctx, tr); err != nil {
		return err
	}
	if err := t.store.CompleteEvent(ctx, tr.event.EventID, *tr.event.EndTime); err != nil {
		return fmt.Errorf("complete event %s: %w", tr.event.EventID, err)
	}
	if d := tr.event.Dimensions; d != nil {
		if err := t.store.UpdateVesselDimensions(ctx, tr.event.VesselID, *d); err != nil {
			return fmt.Errorf("update dimensions of vessel %s: %w", tr.event.VesselID, err)
		}
	}
	return nil
}

func (t *Tracker) retryPending(ctx context.Context) []error {
	var errs []error
	for ref, tr := range t.pending {
		if err := t.finish(ctx, tr); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(t.pending, ref)
		t.logger.Info("Persisted deferred event completion", "ref", ref.String(), "event_id", tr.event.EventID)
	}
	return errs
}

// Active returns a snapshot of the active events ordered by start time
func (t *Tracker) Active() []VesselEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]VesselEvent, 0, len(t.active))
	for _, tr := range t.active {
		out = append(out, tr.event.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return refLess(out[i].Ref, out[j].Ref)
	})
	return out
}

// Get returns a snapshot of the active event for ref
func (t *Tracker) Get(ref identity.Ref) (VesselEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.active[ref]
	if !ok {
		return VesselEvent{}, false
	}
	return tr.event.clone(), true
}

// Completed reports whether ref's event has completed and the identity is
// still awaiting eviction
func (t *Tracker) Completed(ref identity.Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.completed[ref]
	return ok
}

// PendingCompletions returns the number of completions awaiting a retry
func (t *Tracker) PendingCompletions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func refLess(a, b identity.Ref) bool {
	if a.Class != b.Class {
		return a.Class < b.Class
	}
	return a.ID < b.ID
}

func sortRefs(refs []identity.Ref) {
	sort.Slice(refs, func(i, j int) bool { return refLess(refs[i], refs[j]) })
}

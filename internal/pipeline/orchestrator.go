package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/channeltrack/internal/core"
	"github.com/Spatial-NVR/channeltrack/internal/events"
	"github.com/Spatial-NVR/channeltrack/internal/georef"
	"github.com/Spatial-NVR/channeltrack/internal/identity"
	"github.com/Spatial-NVR/channeltrack/internal/topology"
)

// Resolver maps sightings to global identities
type Resolver interface {
	Resolve(ctx context.Context, s identity.Sighting) (identity.GlobalID, bool, error)
	EndTrack(key identity.BindingKey) (bool, error)
}

// Tracker maintains visit events for resolved identities
type Tracker interface {
	Observe(ctx context.Context, obs events.Observation) error
	CheckCompletion(ctx context.Context, terminal string, seen map[identity.Ref]bool, now time.Time) ([]events.VesselEvent, error)
}

// Publisher delivers JSON-encodable messages to a subject.
// core.EventBus and the websocket hub both implement it.
type Publisher interface {
	Publish(subject string, data interface{}) error
}

// CameraGeo bundles a camera's immutable georeferencing collaborators
type CameraGeo struct {
	Referencer *georef.Referencer
	Channels   *georef.ChannelClassifier
	Estimator  *georef.DimensionEstimator
}

// Config configures an Orchestrator
type Config struct {
	Topology *topology.Topology
	Cameras  map[string]CameraGeo
	// Terminal is the camera whose departures complete events
	Terminal string

	Resolver   Resolver
	Tracker    Tracker
	Source     BatchSource
	Publishers []Publisher

	CycleInterval time.Duration
	FetchTimeout  time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// CycleResult summarises one processed cycle
type CycleResult struct {
	Sightings []Sighting
	Completed []events.VesselEvent
	// Skipped lists cameras whose batch was dropped for configuration reasons
	Skipped []string
}

// Orchestrator runs the per-cycle pipeline
type Orchestrator struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
}

// NewOrchestrator validates cfg and creates an orchestrator
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Topology == nil || cfg.Resolver == nil || cfg.Tracker == nil {
		return nil, core.NewConfigurationError("pipeline", "topology, resolver and tracker are required")
	}
	if cfg.Terminal == "" {
		cfg.Terminal = cfg.Topology.Terminal()
	}
	if !cfg.Topology.Has(cfg.Terminal) {
		return nil, core.NewConfigurationError(cfg.Terminal, "terminal camera not in topology")
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 100 * time.Millisecond
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = cfg.CycleInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "orchestrator"),
	}, nil
}

// Terminal returns the terminal camera id
func (o *Orchestrator) Terminal() string {
	return o.cfg.Terminal
}

type cameraResult struct {
	sightings []Sighting
	seen      map[identity.Ref]bool
	skipped   bool
}

// ProcessCycle runs one cycle over the batches available at now. Cameras
// are processed in topology depth layers: cameras of one layer run
// concurrently and a layer starts only after every predecessor layer has
// registered its sightings. A camera without a usable batch or
// configuration degrades only itself. The completion check runs after all
// observations of the cycle and only if the terminal camera produced a batch.
func (o *Orchestrator) ProcessCycle(ctx context.Context, now time.Time, batches []Batch) (*CycleResult, error) {
	byCamera := make(map[string]Batch, len(batches))
	for _, b := range batches {
		if !o.cfg.Topology.Has(b.CameraID) {
			o.logger.Warn("Dropping batch from unknown camera", "camera", b.CameraID)
			continue
		}
		byCamera[b.CameraID] = b
	}

	layers := o.layers(byCamera)
	results := make(map[string]cameraResult, len(byCamera))
	var cams []string
	for _, layer := range layers {
		got := make([]cameraResult, len(layer))
		g, gctx := errgroup.WithContext(ctx)
		for i, cam := range layer {
			g.Go(func() error {
				res, err := o.processBatch(gctx, now, byCamera[cam])
				got[i] = res
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for i, cam := range layer {
			results[cam] = got[i]
		}
		cams = append(cams, layer...)
	}

	out := &CycleResult{}
	for _, cam := range cams {
		res := results[cam]
		if res.skipped {
			out.Skipped = append(out.Skipped, cam)
			continue
		}
		out.Sightings = append(out.Sightings, res.sightings...)
		o.publish(core.SubjectSightingsPrefix+cam, res.sightings)
	}

	if res, ok := results[o.cfg.Terminal]; ok && !res.skipped {
		completed, err := o.cfg.Tracker.CheckCompletion(ctx, o.cfg.Terminal, res.seen, now)
		if err != nil {
			o.logger.Error("Event completion persistence failed", "error", err)
		}
		out.Completed = completed
	}

	return out, nil
}

// layers groups the cameras that have a batch by topology depth, shallowest
// first, each layer sorted by camera id.
func (o *Orchestrator) layers(byCamera map[string]Batch) [][]string {
	byDepth := make(map[int][]string)
	var depths []int
	for cam := range byCamera {
		d := o.cfg.Topology.Depth(cam)
		if _, ok := byDepth[d]; !ok {
			depths = append(depths, d)
		}
		byDepth[d] = append(byDepth[d], cam)
	}
	sort.Ints(depths)

	out := make([][]string, 0, len(depths))
	for _, d := range depths {
		layer := byDepth[d]
		sort.Strings(layer)
		out = append(out, layer)
	}
	return out
}

func (o *Orchestrator) processBatch(ctx context.Context, now time.Time, b Batch) (cameraResult, error) {
	res := cameraResult{seen: make(map[identity.Ref]bool)}
	logger := o.logger.With("camera", b.CameraID)

	geo, ok := o.cfg.Cameras[b.CameraID]
	if !ok || geo.Referencer == nil || !geo.Referencer.Calibrated() {
		logger.Warn("Skipping camera batch",
			"error", core.NewConfigurationError(b.CameraID, "no calibrated georeferencer"))
		res.skipped = true
		return res, nil
	}

	ts := b.Timestamp
	if ts.IsZero() {
		ts = now
	}

	for _, d := range b.Detections {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d.CameraID = b.CameraID

		if err := d.BBox.Validate(); err != nil {
			logger.Debug("Skipping detection", "track", d.LocalTrackID, "error", err)
			continue
		}
		if d.Area <= 0 {
			d.Area = d.BBox.Area()
		}

		s := Sighting{
			CameraID:     d.CameraID,
			Class:        d.Class,
			LocalTrackID: d.LocalTrackID,
			BBox:         d.BBox,
			Score:        d.Score,
			Timestamp:    ts,
		}

		cx, cy := d.BBox.Center()
		lat, lon, err := geo.Referencer.PixelToGeo(cx, cy)
		if err == nil {
			s.Geocoded, s.Lat, s.Lon = true, lat, lon
		}
		s.ChannelType = geo.Channels.Classify(cx, cy)
		if dims, ok := geo.Estimator.Measure(d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2); ok {
			s.Dimensions = &dims
		}

		id, resolved, err := o.cfg.Resolver.Resolve(ctx, identity.Sighting{
			CameraID:     d.CameraID,
			Class:        d.Class,
			LocalTrackID: d.LocalTrackID,
			Embedding:    d.Embedding,
			Area:         d.Area,
			BBox:         [4]float64{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2},
		})
		switch {
		case errors.Is(err, identity.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return res, err
		case err != nil:
			logger.Warn("Skipping detection", "track", d.LocalTrackID, "class", d.Class, "error", err)
			continue
		}

		if resolved {
			ref := identity.Ref{Class: d.Class, ID: id}
			s.Resolved, s.GlobalID = true, uint64(id)
			res.seen[ref] = true

			if s.Geocoded {
				err := o.cfg.Tracker.Observe(ctx, events.Observation{
					Ref:         ref,
					CameraID:    d.CameraID,
					Time:        ts,
					Position:    georef.Position{Lat: lat, Lon: lon},
					ChannelType: s.ChannelType,
					Features:    d.Embedding,
					Dimensions:  s.Dimensions,
				})
				if err != nil {
					logger.Error("Event persistence failed", "ref", ref.String(), "error", err)
				}
			}
		}

		res.sightings = append(res.sightings, s)
	}

	return res, nil
}

func (o *Orchestrator) publish(subject string, data interface{}) {
	for _, p := range o.cfg.Publishers {
		if err := p.Publish(subject, data); err != nil {
			o.logger.Debug("Publish failed", "subject", subject, "error", err)
		}
	}
}

// Run fetches one batch per camera every cycle interval and processes it,
// until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Source == nil {
		return core.NewConfigurationError("pipeline", "no batch source configured")
	}

	ticker := o.clock.Ticker(o.cfg.CycleInterval)
	defer ticker.Stop()

	o.logger.Info("Orchestrator started",
		"cameras", len(o.cfg.Topology.Order()), "terminal", o.cfg.Terminal, "interval", o.cfg.CycleInterval)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Orchestrator stopped")
			return nil
		case <-ticker.C:
			batches := o.fetch(ctx)
			if _, err := o.ProcessCycle(ctx, o.clock.Now(), batches); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("cycle failed: %w", err)
			}
		}
	}
}

// fetch pulls one batch from every camera concurrently. A camera whose
// fetch fails or exceeds the fetch timeout is omitted from the cycle.
func (o *Orchestrator) fetch(ctx context.Context) []Batch {
	cams := o.cfg.Topology.Order()
	got := make([]*Batch, len(cams))

	var g errgroup.Group
	for i, cam := range cams {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
			defer cancel()

			b, err := o.cfg.Source.Fetch(fctx, cam)
			if err != nil {
				if !errors.Is(err, ErrNoBatch) {
					o.logger.Debug("Camera omitted from cycle", "camera", cam, "error", err)
				}
				return nil
			}
			b.CameraID = cam
			got[i] = &b
			return nil
		})
	}
	_ = g.Wait()

	batches := make([]Batch, 0, len(cams))
	for _, b := range got {
		if b != nil {
			batches = append(batches, *b)
		}
	}
	return batches
}

// HandleTrackEnded releases the binding of a local track the upstream
// tracker dropped.
func (o *Orchestrator) HandleTrackEnded(te TrackEnded) {
	endTrack(o.cfg.Resolver, o.logger, te)
}

// TrackEndedHandler returns a callback releasing bindings on r, for sources
// built before the orchestrator.
func TrackEndedHandler(r Resolver, logger *slog.Logger) func(TrackEnded) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	return func(te TrackEnded) { endTrack(r, logger, te) }
}

func endTrack(r Resolver, logger *slog.Logger, te TrackEnded) {
	removed, err := r.EndTrack(identity.BindingKey{
		Class:        te.Class,
		CameraID:     te.CameraID,
		LocalTrackID: te.LocalTrackID,
	})
	if err != nil {
		logger.Debug("Track end ignored", "camera", te.CameraID, "track", te.LocalTrackID, "error", err)
		return
	}
	if removed {
		logger.Debug("Released local track binding", "camera", te.CameraID, "track", te.LocalTrackID)
	}
}

// RelayNotifications forwards tracker lifecycle notifications to the
// publishers until ch is closed or ctx is cancelled.
func RelayNotifications(ctx context.Context, ch <-chan events.Notification, logger *slog.Logger, pubs ...Publisher) {
	subjects := map[events.NotificationKind]string{
		events.NotifyStarted:   core.SubjectEventStarted,
		events.NotifyPoint:     core.SubjectEventPoint,
		events.NotifyCompleted: core.SubjectEventCompleted,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			for _, p := range pubs {
				if err := p.Publish(subjects[n.Kind], n); err != nil {
					logger.Debug("Publish failed", "kind", n.Kind, "error", err)
				}
			}
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Spatial-NVR/channeltrack/internal/core"
	"github.com/Spatial-NVR/channeltrack/internal/events"
	"github.com/Spatial-NVR/channeltrack/internal/identity"
	"github.com/Spatial-NVR/channeltrack/internal/logging"
)

// EventStore reads persisted vessel events
type EventStore interface {
	ListEvents(ctx context.Context, opts events.ListOptions) ([]*events.VesselEvent, error)
	GetEvent(ctx context.Context, eventID string) (*events.VesselEvent, error)
}

// ActiveEvents exposes the in-memory events of vessels currently in view
type ActiveEvents interface {
	Active() []events.VesselEvent
}

// Gallery exposes the identity resolver's state
type Gallery interface {
	Stats() []identity.ClassStats
	Lookup(key identity.BindingKey) (identity.GlobalID, error)
	Identity(ref identity.Ref) (*identity.GlobalIdentity, bool)
}

// LogSource exposes the captured process log
type LogSource interface {
	Recent(n int) []logging.Entry
	Subscribe() chan logging.Entry
	Unsubscribe(ch chan logging.Entry)
}

// HealthCheck reports the health of one dependency
type HealthCheck func(ctx context.Context) error

// CameraInfo describes one camera of the array
type CameraInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Predecessors   []string `json:"predecessors"`
	Depth          int      `json:"depth"`
	Terminal       bool     `json:"terminal"`
	Calibrated     bool     `json:"calibrated"`
	ChannelRegions []string `json:"channel_regions,omitempty"`
	Measurement    bool     `json:"measurement"`
}

// ServerConfig wires the API to the running services. Nil dependencies
// disable the routes that need them.
type ServerConfig struct {
	Events      EventStore
	Active      ActiveEvents
	Gallery     Gallery
	Cameras     []CameraInfo
	Hub         *Hub
	Logs        LogSource
	Checks      map[string]HealthCheck
	CORSOrigins []string
	Version     string
	Logger      *slog.Logger
}

// Server holds the HTTP handlers
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
}

// NewServer creates the API handlers
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "api")}
}

// Router builds the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Get("/active", s.handleActiveEvents)
			r.Get("/{id}", s.handleGetEvent)
		})

		r.Get("/gallery", s.handleGalleryStats)
		r.Get("/gallery/{class}/{id}", s.handleGetIdentity)
		r.Get("/bindings/{class}/{camera}/{track}", s.handleLookupBinding)
		r.Get("/cameras", s.handleListCameras)
		r.Get("/logs", s.handleRecentLogs)
	})

	// Streams are long-lived and stay outside the request timeout
	r.Get("/api/v1/logs/stream", s.handleLogStream)

	if s.cfg.Hub != nil {
		r.Get("/ws", s.cfg.Hub.HandleWebSocket)
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.cfg.Checks))
	healthy := true
	for name, check := range s.cfg.Checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"status":  "healthy",
		"version": s.cfg.Version,
		"checks":  checks,
	}
	if s.cfg.Hub != nil {
		body["websocket_clients"] = s.cfg.Hub.ClientCount()
	}
	if !healthy {
		body["status"] = "degraded"
		JSON(w, http.StatusServiceUnavailable, body)
		return
	}
	OK(w, body)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		ServiceUnavailable(w, "event store not configured")
		return
	}

	opts, errs := parseEventQuery(r.URL.Query())
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	list, err := s.cfg.Events.ListEvents(r.Context(), opts)
	if err != nil {
		s.logger.Error("Failed to list events", "error", err)
		InternalError(w, "failed to list events")
		return
	}
	if list == nil {
		list = []*events.VesselEvent{}
	}
	List(w, list, len(list), opts.Limit, opts.Offset)
}

func (s *Server) handleActiveEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Active == nil {
		ServiceUnavailable(w, "event tracker not configured")
		return
	}
	active := s.cfg.Active.Active()
	if active == nil {
		active = []events.VesselEvent{}
	}
	List(w, active, len(active), 0, 0)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		ServiceUnavailable(w, "event store not configured")
		return
	}

	ev, err := s.cfg.Events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, events.ErrNotFound):
		NotFound(w, "event not found")
	case err != nil:
		s.logger.Error("Failed to get event", "error", err)
		InternalError(w, "failed to get event")
	default:
		OK(w, ev)
	}
}

func (s *Server) handleGalleryStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gallery == nil {
		ServiceUnavailable(w, "resolver not configured")
		return
	}
	OK(w, s.cfg.Gallery.Stats())
}

// shotView is a gallery shot without its embedding
type shotView struct {
	CameraID  string    `json:"camera_id"`
	MaxArea   float64   `json:"max_area"`
	UpdatedAt time.Time `json:"updated_at"`
}

type identityView struct {
	Class     string     `json:"class"`
	ID        uint64     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  time.Time  `json:"last_seen"`
	Cameras   []shotView `json:"cameras"`
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gallery == nil {
		ServiceUnavailable(w, "resolver not configured")
		return
	}

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		ValidationErrorResponse(w, ValidationErrors{{Field: "id", Message: "must be a positive integer"}})
		return
	}

	ident, ok := s.cfg.Gallery.Identity(identity.Ref{Class: chi.URLParam(r, "class"), ID: identity.GlobalID(id)})
	if !ok {
		NotFound(w, "identity not in gallery")
		return
	}

	view := identityView{
		Class:     ident.Class,
		ID:        uint64(ident.ID),
		CreatedAt: ident.CreatedAt,
		LastSeen:  ident.LastSeen,
		Cameras:   make([]shotView, 0, len(ident.PerCamera)),
	}
	for cam, shot := range ident.PerCamera {
		view.Cameras = append(view.Cameras, shotView{CameraID: cam, MaxArea: shot.MaxArea, UpdatedAt: shot.UpdatedAt})
	}
	sort.Slice(view.Cameras, func(i, j int) bool { return view.Cameras[i].CameraID < view.Cameras[j].CameraID })
	OK(w, view)
}

func (s *Server) handleLookupBinding(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gallery == nil {
		ServiceUnavailable(w, "resolver not configured")
		return
	}

	track, errs := parseTrackID(chi.URLParam(r, "track"))
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}
	key := identity.BindingKey{
		Class:        chi.URLParam(r, "class"),
		CameraID:     chi.URLParam(r, "camera"),
		LocalTrackID: track,
	}

	id, err := s.cfg.Gallery.Lookup(key)
	var stale *core.StaleBindingError
	switch {
	case err == nil:
		OK(w, map[string]interface{}{"binding": key, "global_id": uint64(id)})
	case errors.As(err, &stale):
		Gone(w, err.Error())
	case errors.Is(err, identity.ErrNoBinding), core.IsConfiguration(err):
		NotFound(w, err.Error())
	case errors.Is(err, identity.ErrClosed):
		ServiceUnavailable(w, err.Error())
	default:
		InternalError(w, err.Error())
	}
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	cams := s.cfg.Cameras
	if cams == nil {
		cams = []CameraInfo{}
	}
	OK(w, cams)
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Logs == nil {
		ServiceUnavailable(w, "log capture not enabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entries := s.cfg.Logs.Recent(limit)
	List(w, entries, len(entries), limit, 0)
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Logs == nil {
		ServiceUnavailable(w, "log capture not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.cfg.Logs.Subscribe()
	defer s.cfg.Logs.Unsubscribe(ch)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

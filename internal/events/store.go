package events

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/channeltrack/internal/database"
	"github.com/Spatial-NVR/channeltrack/internal/georef"
	"github.com/Spatial-NVR/channeltrack/internal/identity"
)

// ErrNotFound is returned when a vessel or event does not exist
var ErrNotFound = errors.New("not found")

// Store persists vessels, events and tracking points in SQLite.
// Timestamps are stored as unix milliseconds.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore creates a store on a migrated database
func NewStore(db *database.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "event_store")}
}

// CreateVessel inserts a vessel record and returns its id
func (s *Store) CreateVessel(ctx context.Context, ref identity.Ref, firstSeen time.Time, features []float32) (string, error) {
	id := uuid.New().String()
	ts := firstSeen.UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vessels (id, class, global_id, features, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, ref.Class, int64(ref.ID), encodeFeatures(features), ts, ts)
	if err != nil {
		return "", fmt.Errorf("failed to create vessel: %w", err)
	}
	return id, nil
}

// CreateEvent inserts an active event together with its initial tracking point
func (s *Store) CreateEvent(ctx context.Context, vesselID string, start time.Time, initial TrackingPoint) (string, error) {
	id := uuid.New().String()

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vessel_events (id, vessel_id, start_time, status)
			VALUES (?, ?, ?, ?)
		`, id, vesselID, start.UnixMilli(), string(StatusActive)); err != nil {
			return err
		}
		return insertPoint(ctx, tx, id, initial)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create event: %w", err)
	}
	return id, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPoint(ctx context.Context, ex execer, eventID string, p TrackingPoint) error {
	_, err := ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO tracking_points (event_id, timestamp, latitude, longitude, channel_type)
		VALUES (?, ?, ?, ?, ?)
	`, eventID, p.Timestamp.UnixMilli(), p.Lat, p.Lon, p.ChannelType)
	return err
}

// AppendTrackingPoint stores a point; storing the same timestamp twice is a no-op
func (s *Store) AppendTrackingPoint(ctx context.Context, eventID string, p TrackingPoint) error {
	if err := insertPoint(ctx, s.db, eventID, p); err != nil {
		return fmt.Errorf("failed to append tracking point: %w", err)
	}
	return nil
}

// TouchVessel advances the vessel's last_seen time
func (s *Store) TouchVessel(ctx context.Context, vesselID string, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE vessels SET last_seen = MAX(last_seen, ?) WHERE id = ?",
		lastSeen.UnixMilli(), vesselID)
	if err != nil {
		return fmt.Errorf("failed to update vessel: %w", err)
	}
	return requireRow(res, "vessel", vesselID)
}

// CompleteEvent marks an active event completed. Completing an already
// completed event is a no-op.
func (s *Store) CompleteEvent(ctx context.Context, eventID string, end time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE vessel_events SET end_time = ?, status = ?
		WHERE id = ? AND status = ?
	`, end.UnixMilli(), string(StatusCompleted), eventID, string(StatusActive))
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM vessel_events WHERE id = ?", eventID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return err
}

// UpdateVesselDimensions records averaged measured dimensions
func (s *Store) UpdateVesselDimensions(ctx context.Context, vesselID string, d georef.Dimensions) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE vessels SET length = ?, width = ?, height = ? WHERE id = ?",
		d.Length, d.Width, d.Height, vesselID)
	if err != nil {
		return fmt.Errorf("failed to update vessel dimensions: %w", err)
	}
	return requireRow(res, "vessel", vesselID)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

const eventColumns = `
	e.id, e.vessel_id, v.class, v.global_id, e.start_time, e.end_time, e.status,
	v.length, v.width, v.height`

func scanEvent(scan func(dest ...any) error) (*VesselEvent, error) {
	ev := &VesselEvent{}
	var globalID, start int64
	var end sql.NullInt64
	var status string
	var length, width, height sql.NullFloat64

	if err := scan(&ev.EventID, &ev.VesselID, &ev.Ref.Class, &globalID, &start, &end, &status,
		&length, &width, &height); err != nil {
		return nil, err
	}

	ev.Ref.ID = identity.GlobalID(globalID)
	ev.StartTime = time.UnixMilli(start)
	ev.Status = Status(status)
	if end.Valid {
		t := time.UnixMilli(end.Int64)
		ev.EndTime = &t
	}
	if length.Valid && width.Valid && height.Valid {
		ev.Dimensions = &georef.Dimensions{Length: length.Float64, Width: width.Float64, Height: height.Float64}
	}
	ev.TrackingPoints = []TrackingPoint{}
	return ev, nil
}

// GetEvent loads an event with all its tracking points
func (s *Store) GetEvent(ctx context.Context, eventID string) (*VesselEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+eventColumns+`
		FROM vessel_events e JOIN vessels v ON v.id = e.vessel_id
		WHERE e.id = ?`, eventID)
	ev, err := scanEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, latitude, longitude, channel_type
		FROM tracking_points WHERE event_id = ? ORDER BY timestamp
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts int64
		var p TrackingPoint
		if err := rows.Scan(&ts, &p.Lat, &p.Lon, &p.ChannelType); err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(ts)
		ev.TrackingPoints = append(ev.TrackingPoints, p)
	}
	return ev, rows.Err()
}

// ListEvents returns events without their tracking points, newest first
func (s *Store) ListEvents(ctx context.Context, opts ListOptions) ([]*VesselEvent, error) {
	query := `SELECT` + eventColumns + `
		FROM vessel_events e JOIN vessels v ON v.id = e.vessel_id WHERE 1=1`
	args := []any{}

	if opts.Status != "" {
		query += " AND e.status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Class != "" {
		query += " AND v.class = ?"
		args = append(args, opts.Class)
	}
	if !opts.Since.IsZero() {
		query += " AND e.start_time >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	limit := 50
	if opts.Limit > 0 && opts.Limit <= 1000 {
		limit = opts.Limit
	}
	query += " ORDER BY e.start_time DESC LIMIT ?"
	args = append(args, limit)
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*VesselEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Features returns the embedding stored on a vessel
func (s *Store) Features(ctx context.Context, vesselID string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT features FROM vessels WHERE id = ?", vesselID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vessel %s: %w", vesselID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeFeatures(blob), nil
}

// encodeFeatures packs float32s little-endian
func encodeFeatures(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeFeatures(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

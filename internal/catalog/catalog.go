// Package catalog records every persisted capture so detections can be
// queried after the fact.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered as "sqlite"

	"github.com/mikeyg42/detectcam/internal/camlog"
	"github.com/mikeyg42/detectcam/internal/frame"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// ErrNotFound is returned when a capture id is unknown.
var ErrNotFound = errors.New("catalog: capture not found")

// Capture sources.
const (
	SourceLive   = "live"
	SourceSingle = "single"
	SourceScan   = "scan"
)

// Config selects the database.
type Config struct {
	Driver          string // "postgres" or "sqlite"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Capture is one persisted frame and what was found in it.
type Capture struct {
	ID          string            `json:"id"`
	CameraID    string            `json:"camera_id"`
	Source      string            `json:"source"`
	FrameID     string            `json:"frame_id"`
	StoragePath string            `json:"storage_path"`
	Detections  []frame.Detection `json:"detections"`
	CapturedAt  time.Time         `json:"captured_at"`
}

type captureRow struct {
	ID             string `db:"id"`
	CameraID       string `db:"camera_id"`
	Source         string `db:"source"`
	FrameID        string `db:"frame_id"`
	StoragePath    string `db:"storage_path"`
	Detections     string `db:"detections"`
	DetectionCount int    `db:"detection_count"`
	CapturedAt     int64  `db:"captured_at"`
}

func (r captureRow) toCapture() (*Capture, error) {
	c := &Capture{
		ID:          r.ID,
		CameraID:    r.CameraID,
		Source:      r.Source,
		FrameID:     r.FrameID,
		StoragePath: r.StoragePath,
		CapturedAt:  time.Unix(0, r.CapturedAt).UTC(),
	}
	if r.Detections != "" {
		if err := json.Unmarshal([]byte(r.Detections), &c.Detections); err != nil {
			return nil, fmt.Errorf("catalog: decode detections for %s: %w", r.ID, err)
		}
	}
	return c, nil
}

// Query filters ListCaptures. Zero values mean "no filter"; Limit defaults to 100.
type Query struct {
	CameraID      string
	Since         time.Time
	MinDetections int
	Limit         int
}

// Store is a sqlx-backed capture catalog.
type Store struct {
	db     *sqlx.DB
	logger camlog.Logger
	driver string
}

// Open connects, configures the pool and creates the schema.
func Open(ctx context.Context, cfg Config, logger camlog.Logger) (*Store, error) {
	switch cfg.Driver {
	case "postgres", "sqlite":
	case "":
		cfg.Driver = "sqlite"
	default:
		return nil, fmt.Errorf("catalog: unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog: dsn is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Driver == "sqlite" {
		// one writer; also keeps ":memory:" databases on a single connection
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if logger == nil {
		logger = camlog.L()
	}
	s := &Store{db: db, logger: logger.Named("catalog"), driver: cfg.Driver}
	if err := s.initSchema(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.logger.Info("Catalog ready", camlog.String("driver", cfg.Driver))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			id              TEXT PRIMARY KEY,
			camera_id       TEXT NOT NULL,
			source          TEXT NOT NULL,
			frame_id        TEXT NOT NULL DEFAULT '',
			storage_path    TEXT NOT NULL,
			detections      TEXT NOT NULL DEFAULT '[]',
			detection_count INTEGER NOT NULL DEFAULT 0,
			captured_at     BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_camera_time ON captures (camera_id, captured_at DESC)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// SaveCapture inserts c, assigning an id and timestamp when missing.
func (s *Store) SaveCapture(ctx context.Context, c *Capture) error {
	if c == nil {
		return fmt.Errorf("catalog: nil capture")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CapturedAt.IsZero() {
		c.CapturedAt = time.Now().UTC()
	}
	if c.Detections == nil {
		c.Detections = []frame.Detection{}
	}
	dets, err := json.Marshal(c.Detections)
	if err != nil {
		return fmt.Errorf("catalog: encode detections: %w", err)
	}

	q := s.db.Rebind(`INSERT INTO captures
		(id, camera_id, source, frame_id, storage_path, detections, detection_count, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q,
		c.ID, c.CameraID, c.Source, c.FrameID, c.StoragePath, string(dets), len(c.Detections), c.CapturedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("catalog: insert capture: %w", err)
	}
	return nil
}

// Record satisfies the capture pipeline's recorder hook.
func (s *Store) Record(ctx context.Context, cameraID, source string, f *frame.Frame, dets []frame.Detection, path string) error {
	c := &Capture{
		CameraID:    cameraID,
		Source:      source,
		StoragePath: path,
		Detections:  dets,
	}
	if f != nil {
		c.FrameID = f.ID
		c.CapturedAt = f.Timestamp
	}
	return s.SaveCapture(ctx, c)
}

// GetCapture loads one capture by id.
func (s *Store) GetCapture(ctx context.Context, id string) (*Capture, error) {
	var row captureRow
	q := s.db.Rebind(`SELECT * FROM captures WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: get capture: %w", err)
	}
	return row.toCapture()
}

// ListCaptures returns matching captures, newest first.
func (s *Store) ListCaptures(ctx context.Context, query Query) ([]*Capture, error) {
	sqlQuery := `SELECT * FROM captures WHERE 1=1`
	var args []interface{}
	if query.CameraID != "" {
		sqlQuery += ` AND camera_id = ?`
		args = append(args, query.CameraID)
	}
	if !query.Since.IsZero() {
		sqlQuery += ` AND captured_at >= ?`
		args = append(args, query.Since.UnixNano())
	}
	if query.MinDetections > 0 {
		sqlQuery += ` AND detection_count >= ?`
		args = append(args, query.MinDetections)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	sqlQuery += ` ORDER BY captured_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []captureRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(sqlQuery), args...); err != nil {
		return nil, fmt.Errorf("catalog: list captures: %w", err)
	}
	out := make([]*Capture, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCapture()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// CameraSummary aggregates captures for one camera.
type CameraSummary struct {
	CameraID   string `db:"camera_id" json:"camera_id"`
	Captures   int64  `db:"captures" json:"captures"`
	Detections int64  `db:"detections" json:"detections"`
	LastAt     int64  `db:"last_at" json:"-"`
}

// Summaries returns per-camera totals.
func (s *Store) Summaries(ctx context.Context) ([]CameraSummary, error) {
	var out []CameraSummary
	err := s.db.SelectContext(ctx, &out, `
		SELECT camera_id,
		       COUNT(*) AS captures,
		       COALESCE(SUM(detection_count), 0) AS detections,
		       MAX(captured_at) AS last_at
		FROM captures
		GROUP BY camera_id
		ORDER BY camera_id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: summaries: %w", err)
	}
	return out, nil
}

// DeleteBefore removes captures older than t and reports how many went.
func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM captures WHERE captured_at < ?`), t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("catalog: delete: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

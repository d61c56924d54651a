package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/kv2share/internal/config"
	"github.com/banshee-data/kv2share/internal/kinect"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Store is the recording database.
type Store struct {
	db   *sql.DB
	path string
}

// Session describes one recorded run.
type Session struct {
	SessionID string          `json:"session_id"`
	Label     string          `json:"label"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Ticks     int             `json:"ticks"`
}

// TickRecord is one recorded tick with its bodies.
type TickRecord struct {
	Tick          uint64
	FrameSeq      uint64
	At            time.Time
	Outcome       string
	TrackedBodies int
	KeyingApplied bool
	Messages      int
	Bodies        []kinect.Body
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	// Per-connection settings go in the DSN so every pooled connection
	// carries them.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for admin tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// MigrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared connection.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version, 0 when none.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// retryOnBusy retries fn while SQLite reports the database as locked.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// StartSession creates a session and returns its id.
func (s *Store) StartSession(ctx context.Context, label string, cfg config.Snapshot) (string, error) {
	id := uuid.New().String()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	err = retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv2_sessions (session_id, label, started_at, config_json) VALUES (?, ?, ?, ?)`,
			id, label, time.Now().UnixNano(), string(cfgJSON))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	return retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE kv2_sessions SET ended_at = ? WHERE session_id = ?`, time.Now().UnixNano(), sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil
	})
}

// RecordTick stores one tick and its bodies in a single transaction.
func (s *Store) RecordTick(ctx context.Context, sessionID string, rec TickRecord) error {
	return retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv2_ticks (session_id, tick, frame_seq, at_ns, outcome, tracked_bodies, keying_applied, messages)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, int64(rec.Tick), int64(rec.FrameSeq), rec.At.UnixNano(), rec.Outcome,
			rec.TrackedBodies, rec.KeyingApplied, rec.Messages); err != nil {
			return err
		}

		bodyStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO kv2_bodies (session_id, tick, slot, tracking_id, tracked, left_hand, right_hand)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer bodyStmt.Close()
		jointStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO kv2_joints (session_id, tick, slot, joint, x, y, z, depth_x, depth_y)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer jointStmt.Close()

		for i := range rec.Bodies {
			b := &rec.Bodies[i]
			// SQLite integers are signed; the bit pattern round-trips.
			if _, err := bodyStmt.ExecContext(ctx, sessionID, int64(rec.Tick), b.SlotID,
				int64(b.TrackingID), b.Tracked, int32(b.LeftHandState), int32(b.RightHandState)); err != nil {
				return err
			}
			if !b.Tracked {
				continue
			}
			for j := range b.Joints {
				jt := &b.Joints[j]
				if _, err := jointStmt.ExecContext(ctx, sessionID, int64(rec.Tick), b.SlotID, j,
					float64(jt.World.X), float64(jt.World.Y), float64(jt.World.Z),
					float64(jt.Depth.X), float64(jt.Depth.Y)); err != nil {
					return err
				}
			}
		}
		return tx.Commit()
	})
}

// Sessions lists sessions newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.label, s.started_at, s.ended_at, s.config_json,
		       (SELECT COUNT(*) FROM kv2_ticks t WHERE t.session_id = s.session_id)
		FROM kv2_sessions s
		ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   sql.NullInt64
			cfg     sql.NullString
		)
		if err := rows.Scan(&sess.SessionID, &sess.Label, &started, &ended, &cfg, &sess.Ticks); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			sess.EndedAt = &t
		}
		if cfg.Valid {
			sess.Config = json.RawMessage(cfg.String)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LoadTicks returns the ticks of a session in order, with bodies and joints.
func (s *Store) LoadTicks(ctx context.Context, sessionID string) ([]TickRecord, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv2_sessions WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tick, frame_seq, at_ns, outcome, tracked_bodies, keying_applied, messages
		FROM kv2_ticks WHERE session_id = ? ORDER BY tick`, sessionID)
	if err != nil {
		return nil, err
	}
	var ticks []TickRecord
	index := map[uint64]int{}
	for rows.Next() {
		var (
			rec      TickRecord
			tick     int64
			seq      int64
			at       int64
			keyingOn bool
		)
		if err := rows.Scan(&tick, &seq, &at, &rec.Outcome, &rec.TrackedBodies, &keyingOn, &rec.Messages); err != nil {
			rows.Close()
			return nil, err
		}
		rec.Tick, rec.FrameSeq, rec.At, rec.KeyingApplied = uint64(tick), uint64(seq), time.Unix(0, at), keyingOn
		index[rec.Tick] = len(ticks)
		ticks = append(ticks, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadBodies(ctx, sessionID, ticks, index); err != nil {
		return nil, err
	}
	return ticks, nil
}

type bodyKey struct {
	tick uint64
	slot int
}

func (s *Store) loadBodies(ctx context.Context, sessionID string, ticks []TickRecord, index map[uint64]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick, slot, tracking_id, tracked, left_hand, right_hand
		FROM kv2_bodies WHERE session_id = ? ORDER BY tick, slot`, sessionID)
	if err != nil {
		return err
	}
	where := map[bodyKey]int{}
	for rows.Next() {
		var (
			tick, trackingID int64
			b                kinect.Body
			left, right      int32
		)
		if err := rows.Scan(&tick, &b.SlotID, &trackingID, &b.Tracked, &left, &right); err != nil {
			rows.Close()
			return err
		}
		b.TrackingID = uint64(trackingID)
		b.LeftHandState, b.RightHandState = kinect.HandState(left), kinect.HandState(right)
		for j := range b.Joints {
			b.Joints[j].Type = kinect.JointType(j)
		}
		i := index[uint64(tick)]
		where[bodyKey{uint64(tick), b.SlotID}] = len(ticks[i].Bodies)
		ticks[i].Bodies = append(ticks[i].Bodies, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT tick, slot, joint, x, y, z, depth_x, depth_y
		FROM kv2_joints WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tick            int64
			slot, joint     int
			x, y, z, dx, dy float64
		)
		if err := rows.Scan(&tick, &slot, &joint, &x, &y, &z, &dx, &dy); err != nil {
			return err
		}
		bi, ok := where[bodyKey{uint64(tick), slot}]
		if !ok || joint < 0 || joint >= kinect.JointCount {
			continue
		}
		b := &ticks[index[uint64(tick)]].Bodies[bi]
		b.Joints[joint].World = kinect.Vec3{X: float32(x), Y: float32(y), Z: float32(z)}
		b.Joints[joint].Depth = kinect.Vec2{X: float32(dx), Y: float32(dy)}
	}
	return rows.Err()
}

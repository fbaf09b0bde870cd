// Package sqlite implements the EntityStore on an embedded SQLite database
// for single node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"realtime-sync/application/ports"
	"realtime-sync/domain/entity"
	apperrors "realtime-sync/pkg/errors"
)

// CurrentSchemaVersion is the latest schema version. Bump it when adding
// migrations.
const CurrentSchemaVersion = 1

const columns = `id, kind, room_id, parent_id, status, payload, version, created_by, updated_by, created_at, updated_at`

type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ ports.EntityStore = (*Store)(nil)

// Open opens or creates the database at path and migrates it.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "sqlite_store")),
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("failed to get user_version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS entities (
		  id         TEXT PRIMARY KEY,
		  kind       TEXT NOT NULL,
		  room_id    TEXT NOT NULL,
		  parent_id  TEXT NOT NULL DEFAULT '',
		  status     TEXT NOT NULL DEFAULT '',
		  payload    TEXT NOT NULL DEFAULT '{}',
		  version    INTEGER NOT NULL,
		  created_by TEXT NOT NULL DEFAULT '',
		  updated_by TEXT NOT NULL DEFAULT '',
		  created_at INTEGER NOT NULL,
		  updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entities_room ON entities(room_id, kind);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", 1)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (entity.Entity, error) {
	var (
		e                    entity.Entity
		kind, payload        string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &kind, &e.RoomID, &e.ParentID, &e.Status, &payload, &e.Version,
		&e.CreatedBy, &e.UpdatedBy, &createdAt, &updatedAt); err != nil {
		return entity.Entity{}, err
	}
	e.Kind = entity.Kind(kind)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if payload != "" && payload != "null" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return entity.Entity{}, fmt.Errorf("decode payload of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func encodePayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", apperrors.NewValidationError("payload is not serializable").WithCause(err)
	}
	return string(raw), nil
}

func (s *Store) Create(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e.ID == "" || e.RoomID == "" || e.Kind == "" {
		return entity.Entity{}, apperrors.NewValidationError("id, roomId and kind are required")
	}
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return entity.Entity{}, err
	}
	now := s.now().UTC()
	e = e.Clone()
	e.Version = entity.InitialVersion
	e.CreatedAt, e.UpdatedAt = now, now
	if e.UpdatedBy == "" {
		e.UpdatedBy = e.CreatedBy
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO entities (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.RoomID, e.ParentID, e.Status, payload, e.Version,
		e.CreatedBy, e.UpdatedBy, now.UnixNano(), now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return entity.Entity{}, apperrors.NewValidationError("entity " + e.ID + " already exists")
		}
		return entity.Entity{}, apperrors.NewDatabaseError("create", err)
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, id string) (entity.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, apperrors.NewNotFoundError("entity " + id)
	}
	if err != nil {
		return entity.Entity{}, apperrors.NewDatabaseError("get", err)
	}
	return e, nil
}

func (s *Store) ListByRoom(ctx context.Context, roomID string) ([]entity.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM entities WHERE room_id = ? ORDER BY kind, id`, roomID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list", err)
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("list", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list", err)
	}
	return out, nil
}

// UpdateIfVersion computes the new row from the current one and commits it
// with UPDATE ... WHERE version = expected. Zero affected rows means another
// writer won, and the current version is read back for the error.
func (s *Store) UpdateIfVersion(ctx context.Context, id string, expected int64, changes entity.Changes, actorID string) (entity.Entity, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return entity.Entity{}, err
	}
	if current.Version != expected {
		return entity.Entity{}, apperrors.NewStaleVersionError(id, expected, current.Version)
	}

	next := current.Clone()
	next.Apply(changes, actorID, s.now().UTC())
	next.Version = expected + 1
	payload, err := encodePayload(next.Payload)
	if err != nil {
		return entity.Entity{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET status = ?, payload = ?, version = ?, updated_by = ?, updated_at = ? WHERE id = ? AND version = ?`,
		next.Status, payload, next.Version, next.UpdatedBy, next.UpdatedAt.UnixNano(), id, expected)
	if err != nil {
		return entity.Entity{}, apperrors.NewDatabaseError("update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.Entity{}, s.lostRace(ctx, id, expected)
	}
	return next, nil
}

func (s *Store) DeleteIfVersion(ctx context.Context, id string, expected int64) (entity.Entity, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return entity.Entity{}, err
	}
	if expected > 0 && current.Version != expected {
		return entity.Entity{}, apperrors.NewStaleVersionError(id, expected, current.Version)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ? AND version = ?`, id, current.Version)
	if err != nil {
		return entity.Entity{}, apperrors.NewDatabaseError("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.Entity{}, s.lostRace(ctx, id, current.Version)
	}
	return current, nil
}

func (s *Store) lostRace(ctx context.Context, id string, expected int64) error {
	var actual int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM entities WHERE id = ?`, id).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewNotFoundError("entity " + id)
	}
	if err != nil {
		return apperrors.NewDatabaseError("read version", err)
	}
	s.logger.Debug("Conditional write lost",
		zap.String("entityID", id),
		zap.Int64("expected", expected),
		zap.Int64("actual", actual),
	)
	return apperrors.NewStaleVersionError(id, expected, actual)
}

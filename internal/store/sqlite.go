package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"recurd/internal/model"
	"recurd/internal/recur"
)

const schema = `
CREATE TABLE IF NOT EXISTS series (
	id        TEXT PRIMARY KEY,
	owner_id  TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	version   INTEGER NOT NULL,
	data      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS occurrences (
	id           TEXT PRIMARY KEY,
	series_id    TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL DEFAULT '',
	occurs_at    INTEGER NOT NULL,
	is_primary   INTEGER NOT NULL DEFAULT 0,
	is_detached  INTEGER NOT NULL DEFAULT 0,
	is_cancelled INTEGER NOT NULL DEFAULT 0,
	fields       TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_occurrences_series ON occurrences(series_id, occurs_at);
`

// SQLiteStore keeps series and occurrences in one SQLite database. Series
// rows carry the JSON record so the stored form matches the other stores.
type SQLiteStore struct {
	db    *sql.DB
	codec Codec
}

// OpenSQLite opens (or creates) the database at path with WAL enabled and
// applies the schema. ":memory:" opens a private in-memory database.
func OpenSQLite(path string, loc *time.Location) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, codec: NewCodec(loc)}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*model.Series, error) {
	var (
		version int
		data    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, data FROM series WHERE id = ?`, id).Scan(&version, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("series %s: %w", id, recur.ErrSeriesNotFound)
		}
		return nil, fmt.Errorf("query series: %w", err)
	}
	series, err := s.codec.Unmarshal([]byte(data))
	if err != nil {
		return nil, err
	}
	series.Version = version
	return series, nil
}

func (s *SQLiteStore) Save(ctx context.Context, series *model.Series) error {
	data, err := s.codec.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode series %s: %w", series.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var cur int
	err = tx.QueryRowContext(ctx, `SELECT version FROM series WHERE id = ?`, series.ID).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO series (id, owner_id, parent_id, version, data) VALUES (?, ?, ?, ?, ?)`,
			series.ID, series.OwnerID, series.ParentID, series.Version+1, string(data))
	case err != nil:
		return fmt.Errorf("query series: %w", err)
	case cur != series.Version:
		return fmt.Errorf("series %s at version %d, have %d: %w", series.ID, cur, series.Version, recur.ErrConcurrentModification)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE series SET owner_id = ?, parent_id = ?, version = ?, data = ? WHERE id = ?`,
			series.OwnerID, series.ParentID, series.Version+1, string(data), series.ID)
	}
	if err != nil {
		return fmt.Errorf("write series: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	series.Version++
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM series WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete series: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM series ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query series ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan series id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const occurrenceColumns = `id, series_id, kind, occurs_at, is_primary, is_detached, is_cancelled, fields`

func (s *SQLiteStore) List(ctx context.Context, seriesID string) ([]model.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE series_id = ? ORDER BY occurs_at ASC, id ASC`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		o, err := s.scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListStandalone(ctx context.Context) ([]model.Occurrence, error) {
	return s.List(ctx, "")
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Occurrence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = ?`, id)
	o, err := s.scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Occurrence{}, fmt.Errorf("occurrence %s: %w", id, ErrNotFound)
	}
	return o, err
}

func (s *SQLiteStore) Apply(ctx context.Context, deletes []string, upserts []model.Occurrence) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, id := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM occurrences WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete occurrence %s: %w", id, err)
		}
	}
	for _, o := range upserts {
		fields, err := json.Marshal(o.Fields)
		if err != nil {
			return fmt.Errorf("encode fields %s: %w", o.ID, err)
		}
		if o.Fields == nil {
			fields = []byte("{}")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO occurrences (`+occurrenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				series_id = excluded.series_id,
				kind = excluded.kind,
				occurs_at = excluded.occurs_at,
				is_primary = excluded.is_primary,
				is_detached = excluded.is_detached,
				is_cancelled = excluded.is_cancelled,
				fields = excluded.fields`,
			o.ID, o.SeriesID, string(o.Kind), o.OccursAt.Unix(), o.IsPrimary, o.IsDetached, o.Cancelled, string(fields))
		if err != nil {
			return fmt.Errorf("upsert occurrence %s: %w", o.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanOccurrence(row scanner) (model.Occurrence, error) {
	var (
		o      model.Occurrence
		kind   string
		at     int64
		fields string
	)
	if err := row.Scan(&o.ID, &o.SeriesID, &kind, &at, &o.IsPrimary, &o.IsDetached, &o.Cancelled, &fields); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, err
		}
		return o, fmt.Errorf("scan occurrence: %w", err)
	}
	o.Kind = model.Kind(kind)
	o.OccursAt = time.Unix(at, 0).In(s.codec.Location)
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &o.Fields); err != nil {
			return o, fmt.Errorf("decode fields %s: %w", o.ID, err)
		}
	}
	return o, nil
}

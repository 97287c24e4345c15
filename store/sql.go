package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/trackerbot/db"
	"github.com/onnwee/trackerbot/tracker"
)

// SQL stores one JSON document per subject in the subjects table.
type SQL struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewSQL returns a gateway over database. dialect is db.DriverPostgres or
// db.DriverSQLite and selects the placeholder style.
func NewSQL(database *sql.DB, dialect string) *SQL {
	return &SQL{db: database, dialect: dialect, now: time.Now}
}

// q rewrites $n placeholders to sqlite's numbered ?n form, which binds by
// position number rather than by order of appearance.
func (s *SQL) q(query string) string {
	if s.dialect != db.DriverSQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

// LoadAll returns every stored record of kind. Rows whose document cannot be
// decoded are logged and skipped.
func (s *SQL) LoadAll(ctx context.Context, kind tracker.Kind) ([]tracker.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT name, doc FROM subjects WHERE kind=$1 ORDER BY name`), string(kind))
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	defer rows.Close()

	var out []tracker.Record
	for rows.Next() {
		var (
			name string
			doc  []byte
		)
		if err := rows.Scan(&name, &doc); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		rec, err := decode(doc)
		if err != nil {
			slog.Warn("skipping undecodable subject row",
				slog.String("component", "store"),
				slog.String("kind", string(kind)),
				slog.String("name", name),
				slog.Any("err", err))
			continue
		}
		rec.Kind = kind
		rec.Name = name
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Insert writes rec, overwriting any row with the same key.
func (s *SQL) Insert(ctx context.Context, rec tracker.Record) error {
	rec.UpdatedAt = s.now().UTC()
	doc, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO subjects (kind, name, doc, created_at, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (kind, name) DO UPDATE SET doc=excluded.doc, updated_at=CURRENT_TIMESTAMP`),
		string(rec.Kind), rec.Name, string(doc))
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", rec.Kind, rec.Name, err)
	}
	return nil
}

// Replace overwrites the row stored under name with rec, renaming it when
// rec.Name differs. A missing row is inserted.
func (s *SQL) Replace(ctx context.Context, kind tracker.Kind, name string, rec tracker.Record) error {
	rec.Kind = kind
	rec.UpdatedAt = s.now().UTC()
	doc, err := encode(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE subjects SET name=$3, doc=$4, updated_at=CURRENT_TIMESTAMP
		WHERE kind=$1 AND name=$2`), string(kind), name, rec.Name, string(doc))
	if err != nil {
		return fmt.Errorf("replace %s/%s: %w", kind, name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	return s.Insert(ctx, rec)
}

// Delete removes the row for name. Deleting a missing row is not an error.
func (s *SQL) Delete(ctx context.Context, kind tracker.Kind, name string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM subjects WHERE kind=$1 AND name=$2`), string(kind), name); err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, name, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

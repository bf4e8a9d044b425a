package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/salloc/302-tts/pkg/errmodel"
)

// Migration is one schema upgrade step, applied when the stored schema
// version is below Version.
type Migration struct {
	Version int
	Apply   func(ctx context.Context, tx *sql.Tx, dialect string) error
}

// SchemaVersion is the version the current code expects.
const SchemaVersion = 1

var migrations = []Migration{
	{Version: 1, Apply: createSessionsTable},
}

// Migrate creates or updates the database schema. Each pending step
// runs in its own transaction together with the version bump, so a
// failed step leaves the previous version intact.
func (s *Store) Migrate(ctx context.Context) error {
	return s.migrateTo(ctx, SchemaVersion, migrations)
}

func (s *Store) migrateTo(ctx context.Context, target int, steps []Migration) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_meta (id INTEGER PRIMARY KEY, version INTEGER NOT NULL)`); err != nil {
		return errmodel.Persistence("migrate_failed", "create schema_meta", nil, err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	ordered := make([]Migration, len(steps))
	copy(ordered, steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, m := range ordered {
		if m.Version <= current || m.Version > target {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errmodel.Persistence("migrate_failed", "begin tx", nil, err)
		}
		if err := m.Apply(ctx, tx, s.dialect); err != nil {
			_ = tx.Rollback()
			return errmodel.Persistence("migrate_failed", "apply migration", map[string]any{"version": m.Version}, err)
		}
		if err := s.setSchemaVersion(ctx, tx, m.Version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return errmodel.Persistence("migrate_failed", "commit migration", map[string]any{"version": m.Version}, err)
		}
		current = m.Version
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errmodel.Persistence("migrate_failed", "read schema version", nil, err)
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, tx *sql.Tx, v int) error {
	var err error
	if s.dialect == dialectPostgres {
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO schema_meta (id, version) VALUES (1, ?)
			 ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version`), v)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO schema_meta (id, version) VALUES (1, ?)`, v)
	}
	if err != nil {
		return errmodel.Persistence("migrate_failed", "write schema version", nil, err)
	}
	return nil
}

func createSessionsTable(ctx context.Context, tx *sql.Tx, dialect string) error {
	blob := "BLOB"
	real := "REAL"
	if dialect == dialectPostgres {
		blob = "BYTEA"
		real = "DOUBLE PRECISION"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			speaker TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			speed ` + real + ` NOT NULL DEFAULT 1,
			gen_by TEXT NOT NULL DEFAULT 'text',
			text TEXT NOT NULL DEFAULT '',
			speech_clone_text TEXT NOT NULL DEFAULT '',
			speech_to_text TEXT NOT NULL DEFAULT '',
			audio ` + blob + `,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_platform ON sessions (platform)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_speaker ON sessions (speaker)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_language ON sessions (language)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions (updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_text ON sessions (text)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

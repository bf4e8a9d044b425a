// Package state provides a small persisted key/value store for durable
// UI state: values are cached in memory, validated before every write,
// and written behind a per-key debounce window to an embedded SQLite
// database. Stores are versioned and upgraded through ordered migration
// steps on open.
//
// Reads are served from the cache once populated; the backing store is
// eventually consistent with it. Each Store owns its cache, so tests
// can run isolated instances side by side.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog/log"

	"github.com/salloc/302-tts/pkg/errmodel"
)

// Migration is one upgrade step for a named store, applied inside a
// transaction when the stored version is below Version.
type Migration struct {
	Version int
	Apply   func(ctx context.Context, tx *sql.Tx) error
}

// Updater computes the next value from the previous one. The previous
// value is nil when no value is cached or stored yet.
type Updater func(prev any) any

// Option configures a Store at open time.
type Option func(*config)

type config struct {
	dsn        string
	storeName  string
	version    int
	migrations []Migration
	keyPrefix  string
	debounce   time.Duration
	validate   func(any) bool
	onError    func(*errmodel.Error)
	defaultFn  func() any
}

// WithDatabase sets the SQLite DSN backing the store.
func WithDatabase(dsn string) Option { return func(c *config) { c.dsn = dsn } }

// WithStoreName names the store; it becomes the key/value table name.
func WithStoreName(name string) Option { return func(c *config) { c.storeName = name } }

// WithVersion sets the schema version requested by the caller (>= 1).
func WithVersion(v int) Option { return func(c *config) { c.version = v } }

// WithMigrations registers upgrade steps. Steps tagged above the
// requested version never run; the rest run in ascending version order.
func WithMigrations(steps ...Migration) Option {
	return func(c *config) { c.migrations = append(c.migrations, steps...) }
}

// WithKeyPrefix prepends a namespace to every key.
func WithKeyPrefix(prefix string) Option { return func(c *config) { c.keyPrefix = prefix } }

// WithDebounce sets the write-behind window. Default 300ms.
func WithDebounce(d time.Duration) Option { return func(c *config) { c.debounce = d } }

// WithValidator installs the predicate run on every write path.
// Values failing it are reported and never reach cache or disk.
func WithValidator(f func(any) bool) Option { return func(c *config) { c.validate = f } }

// WithOnError installs the error callback. The default logs the error
// and continues.
func WithOnError(f func(*errmodel.Error)) Option { return func(c *config) { c.onError = f } }

// WithDefault sets the value returned (and written through) by Get when
// neither cache nor backing store hold one.
func WithDefault(v any) Option {
	return func(c *config) { c.defaultFn = func() any { return v } }
}

// WithDefaultFunc is the factory form of WithDefault.
func WithDefaultFunc(f func() any) Option { return func(c *config) { c.defaultFn = f } }

// Store is a cached, validated, debounced persisted key/value store.
type Store struct {
	cfg config

	mu      sync.Mutex
	db      *sql.DB
	ready   bool
	closed  bool
	cache   map[string]any
	pending map[string]*pendingWrite
	flushes int64
}

type pendingWrite struct {
	timer *time.Timer
	value any
}

const (
	defaultDebounce  = 300 * time.Millisecond
	defaultStoreName = "app_state"
)

// Open opens (or creates) the named, versioned store. On backing-engine
// failure the error callback fires with a storage error and the
// returned Store is unready: every operation is a no-op until a future
// successful Open. The error is also returned for callers that prefer
// to inspect it directly.
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	cfg := config{
		dsn:       "file:appstate.sqlite?cache=shared&_pragma=busy_timeout(5000)",
		storeName: defaultStoreName,
		version:   1,
		debounce:  defaultDebounce,
		validate:  func(any) bool { return true },
		onError: func(e *errmodel.Error) {
			log.Error().Str("category", e.Category).Str("code", e.Code).Msg(e.Message)
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	s := &Store{
		cfg:     cfg,
		cache:   make(map[string]any),
		pending: make(map[string]*pendingWrite),
	}

	db, err := sql.Open("sqlite3", cfg.dsn)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err == nil {
		err = s.migrate(ctx, db)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		ce := errmodel.StorageUnavailable("open state store", err)
		cfg.onError(ce)
		return s, ce
	}

	s.db = db
	s.ready = true
	return s, nil
}

// migrate creates the key/value and meta tables, then applies pending
// migration steps in ascending version order, bumping the stored
// version transactionally with each step.
func (s *Store) migrate(ctx context.Context, db *sql.DB) error {
	table := s.cfg.storeName
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS `+table+` (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS `+table+`_meta (id INTEGER PRIMARY KEY, version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	err := db.QueryRowContext(ctx, `SELECT version FROM `+table+`_meta WHERE id = 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		current = 0
	} else if err != nil {
		return err
	}

	steps := make([]Migration, len(s.cfg.migrations))
	copy(steps, s.cfg.migrations)
	sortMigrations(steps)

	for _, m := range steps {
		if m.Version <= current || m.Version > s.cfg.version {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if m.Apply != nil {
			if err := m.Apply(ctx, tx); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO `+table+`_meta (id, version) VALUES (1, ?)`, m.Version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		current = m.Version
	}

	if current < s.cfg.version {
		if _, err := db.ExecContext(ctx,
			`INSERT OR REPLACE INTO `+table+`_meta (id, version) VALUES (1, ?)`, s.cfg.version); err != nil {
			return err
		}
	}
	return nil
}

func sortMigrations(steps []Migration) {
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j].Version < steps[j-1].Version; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
}

func (s *Store) compositeKey(key string) string { return s.cfg.keyPrefix + key }

// Get returns the current value for key. The cache is authoritative
// once populated; otherwise the value is read through from the backing
// store, validated and cached. When neither holds a value the default
// is returned and written through. The second result is false when no
// value exists at all.
func (s *Store) Get(ctx context.Context, key string) (any, bool) {
	ck := s.compositeKey(key)

	s.mu.Lock()
	if v, ok := s.cache[ck]; ok {
		s.mu.Unlock()
		return v, true
	}
	ready := s.ready && !s.closed
	db := s.db
	s.mu.Unlock()

	if ready {
		var raw string
		err := db.QueryRowContext(ctx, `SELECT value FROM `+s.cfg.storeName+` WHERE key = ?`, ck).Scan(&raw)
		switch {
		case err == nil:
			var v any
			if jerr := json.Unmarshal([]byte(raw), &v); jerr != nil {
				s.cfg.onError(errmodel.Persistence("decode_failed", "decode stored value", map[string]any{"key": ck}, jerr))
			} else if s.cfg.validate(v) {
				s.mu.Lock()
				s.cache[ck] = v
				s.mu.Unlock()
				return v, true
			} else {
				s.cfg.onError(errmodel.Validation("invalid_stored_value", "stored value failed validation", map[string]any{"key": ck}))
			}
		case errors.Is(err, sql.ErrNoRows):
			// fall through to the default
		default:
			s.cfg.onError(errmodel.Persistence("get_failed", "read stored value", map[string]any{"key": ck}, err))
			return nil, false
		}
	}

	if s.cfg.defaultFn == nil {
		return nil, false
	}
	def := s.cfg.defaultFn()
	if !s.cfg.validate(def) {
		s.cfg.onError(errmodel.Validation("invalid_default", "default value failed validation", map[string]any{"key": ck}))
		return nil, false
	}
	// An unready store serves the default without caching or writing,
	// so it holds no state for a later successful open to fight with.
	if ready {
		s.mu.Lock()
		s.cache[ck] = def
		s.mu.Unlock()
		if err := s.writeValue(ctx, db, ck, def); err != nil {
			s.cfg.onError(errmodel.Persistence("set_failed", "write default value", map[string]any{"key": ck}, err))
		}
	}
	return def, true
}

// Set updates the value for key. The argument is either a literal value
// or an Updater computing the next value from the previous one. The
// cache reflects the new value immediately; the backing write is
// debounced, so rapid calls within the window collapse into a single
// write carrying the last value. On a closed or unready store the call
// is a no-op.
func (s *Store) Set(ctx context.Context, key string, valueOrUpdater any) {
	ck := s.compositeKey(key)

	s.mu.Lock()
	if s.closed || !s.ready {
		s.mu.Unlock()
		return
	}
	prev := s.cache[ck]
	next := valueOrUpdater
	if up, ok := valueOrUpdater.(Updater); ok {
		next = up(prev)
	} else if up, ok := valueOrUpdater.(func(prev any) any); ok {
		next = up(prev)
	}
	if next == nil || !s.cfg.validate(next) {
		s.mu.Unlock()
		s.cfg.onError(errmodel.Validation("invalid_value", "value failed validation", map[string]any{"key": ck}))
		return
	}

	s.cache[ck] = next
	if pw, ok := s.pending[ck]; ok {
		pw.timer.Stop()
		pw.value = next
		pw.timer.Reset(s.cfg.debounce)
		s.mu.Unlock()
		return
	}
	pw := &pendingWrite{value: next}
	pw.timer = time.AfterFunc(s.cfg.debounce, func() { s.flushKey(ck) })
	s.pending[ck] = pw
	s.mu.Unlock()
}

// flushKey writes the pending value for one key and clears its timer.
func (s *Store) flushKey(ck string) {
	s.mu.Lock()
	pw, ok := s.pending[ck]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, ck)
	value := pw.value
	db := s.db
	s.mu.Unlock()

	if db == nil {
		return
	}
	if err := s.writeValue(context.Background(), db, ck, value); err != nil {
		s.cfg.onError(errmodel.Persistence("set_failed", "write value", map[string]any{"key": ck}, err))
	}
}

func (s *Store) writeValue(ctx context.Context, db *sql.DB, ck string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+s.cfg.storeName+` (key, value) VALUES (?, ?)`, ck, string(raw)); err != nil {
		return err
	}
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

// SetBatch validates and commits several keys in one transaction.
// Entries failing validation are reported individually and skipped;
// the remaining entries are written atomically. On transaction failure
// nothing is persisted, the batch error fires, and cache entries
// already set stay as-is (best effort, reconciled by the next
// read-through).
func (s *Store) SetBatch(ctx context.Context, updates map[string]any) error {
	s.mu.Lock()
	if s.closed || !s.ready {
		s.mu.Unlock()
		return nil
	}
	db := s.db
	s.mu.Unlock()

	type entry struct {
		ck  string
		raw string
	}
	valid := make([]entry, 0, len(updates))
	for key, v := range updates {
		ck := s.compositeKey(key)
		if v == nil || !s.cfg.validate(v) {
			s.cfg.onError(errmodel.Validation("invalid_value", "value failed validation", map[string]any{"key": ck}))
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			s.cfg.onError(errmodel.Validation("invalid_value", "value not serializable", map[string]any{"key": ck}))
			continue
		}
		s.mu.Lock()
		s.cache[ck] = v
		s.mu.Unlock()
		valid = append(valid, entry{ck: ck, raw: string(raw)})
	}
	if len(valid) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		ce := errmodel.BatchWrite("begin tx", err)
		s.cfg.onError(ce)
		return ce
	}
	for _, e := range valid {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO `+s.cfg.storeName+` (key, value) VALUES (?, ?)`, e.ck, e.raw); err != nil {
			_ = tx.Rollback()
			ce := errmodel.BatchWrite("write batch entry", err)
			s.cfg.onError(ce)
			return ce
		}
	}
	if err := tx.Commit(); err != nil {
		ce := errmodel.BatchWrite("commit batch", err)
		s.cfg.onError(ce)
		return ce
	}
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

// Close flushes pending debounced writes synchronously, purges the
// cache and releases the backing handle. Idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var keys []string
	for ck, pw := range s.pending {
		pw.timer.Stop()
		keys = append(keys, ck)
	}
	s.mu.Unlock()

	// Pending values must not be lost on teardown.
	for _, ck := range keys {
		s.flushKey(ck)
	}

	s.mu.Lock()
	for k := range s.cache {
		delete(s.cache, k)
	}
	db := s.db
	s.db = nil
	s.ready = false
	s.mu.Unlock()

	if db != nil {
		return db.Close()
	}
	return nil
}

// Package gormstore provides a GORM-backed Postgres implementation of
// the history store, for deployments that already run GORM against a
// shared database.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/salloc/302-tts/pkg/errmodel"
	"github.com/salloc/302-tts/pkg/history"
)

// Option allows configuring DB connection.
type Option func(*config)

type config struct {
	Logger logger.Interface
}

// WithLogger sets a custom GORM logger.
func WithLogger(l logger.Interface) Option { return func(c *config) { c.Logger = l } }

// Open opens a Postgres-backed GORM DB connection using the provided DSN.
func Open(dsn string, opts ...Option) (*Store, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	gormCfg := &gorm.Config{}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}
	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, errmodel.StorageUnavailable("open gorm db", err)
	}
	if err := db.AutoMigrate(&SessionModel{}); err != nil {
		return nil, errmodel.StorageUnavailable("migrate gorm db", err)
	}
	return &Store{db: db}, nil
}

// SessionModel represents the GORM model for sessions. Timestamps are
// epoch milliseconds managed by the store, not by GORM's auto-tracking.
type SessionModel struct {
	ID              string  `gorm:"primaryKey;type:uuid"`
	Platform        string  `gorm:"index;type:text;not null"`
	Speaker         string  `gorm:"index;type:text;not null"`
	Language        string  `gorm:"index;type:text;not null;default:''"`
	Speed           float64 `gorm:"not null"`
	GenBy           string  `gorm:"type:text;not null"`
	Text            string  `gorm:"index;type:text;not null;default:''"`
	SpeechCloneText string  `gorm:"type:text;not null;default:''"`
	SpeechToText    string  `gorm:"type:text;not null;default:''"`
	Audio           []byte  `gorm:"type:bytea"`
	CreatedAt       int64   `gorm:"index;not null;autoCreateTime:false"`
	UpdatedAt       int64   `gorm:"index;not null;autoUpdateTime:false"`
}

func (SessionModel) TableName() string { return "sessions" }

func toModel(s history.Session) SessionModel {
	return SessionModel{
		ID:              s.ID,
		Platform:        string(s.Platform),
		Speaker:         s.Speaker,
		Language:        s.Language,
		Speed:           s.Speed,
		GenBy:           string(s.GenBy),
		Text:            s.Text,
		SpeechCloneText: s.SpeechCloneText,
		SpeechToText:    s.SpeechToText,
		Audio:           s.Audio,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func fromModel(m SessionModel) history.Session {
	return history.Session{
		ID:              m.ID,
		Platform:        history.Platform(m.Platform),
		Speaker:         m.Speaker,
		Language:        m.Language,
		Speed:           m.Speed,
		GenBy:           history.GenBy(m.GenBy),
		Text:            m.Text,
		SpeechCloneText: m.SpeechCloneText,
		SpeechToText:    m.SpeechToText,
		Audio:           m.Audio,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// Store implements history.Store using GORM.
type Store struct{ db *gorm.DB }

var _ history.Store = (*Store)(nil)

// Create assigns a fresh id and timestamps and inserts the record.
func (s *Store) Create(ctx context.Context, in history.Session) (history.Session, error) {
	if in.Speed != 0 && !in.ValidSpeed() {
		return history.Session{}, errmodel.Validation("invalid_speed", "speed outside supported domain", nil)
	}
	now := time.Now().UnixMilli()
	in.ID = uuid.NewString()
	in.CreatedAt = now
	in.UpdatedAt = now
	m := toModel(in)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return history.Session{}, errmodel.Persistence("create_failed", "insert session", nil, err)
	}
	return in, nil
}

// Get returns the record and true, or false when the id is absent.
func (s *Store) Get(ctx context.Context, id string) (history.Session, bool, error) {
	var m SessionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return history.Session{}, false, nil
	}
	if err != nil {
		return history.Session{}, false, errmodel.Persistence("get_failed", "select session", nil, err)
	}
	return fromModel(m), true, nil
}

// Update merges the patch inside one transaction.
func (s *Store) Update(ctx context.Context, id string, p history.Patch) (history.Session, error) {
	var out history.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m SessionModel
		if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errmodel.NotFound("session not found", map[string]any{"id": id})
			}
			return err
		}
		rec := fromModel(m)
		applyPatch(&rec, p)
		if now := time.Now().UnixMilli(); now > rec.UpdatedAt {
			rec.UpdatedAt = now
		} else {
			rec.UpdatedAt++
		}
		nm := toModel(rec)
		if err := tx.Save(&nm).Error; err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		if errmodel.IsCategory(err, errmodel.CategoryNotFound) {
			return history.Session{}, err
		}
		return history.Session{}, errmodel.Persistence("update_failed", "update session", nil, err)
	}
	return out, nil
}

func applyPatch(rec *history.Session, p history.Patch) {
	if p.Platform != nil {
		rec.Platform = *p.Platform
	}
	if p.Speaker != nil {
		rec.Speaker = *p.Speaker
	}
	if p.Language != nil {
		rec.Language = *p.Language
	}
	if p.Speed != nil {
		rec.Speed = *p.Speed
	}
	if p.GenBy != nil {
		rec.GenBy = *p.GenBy
	}
	if p.Text != nil {
		rec.Text = *p.Text
	}
	if p.SpeechCloneText != nil {
		rec.SpeechCloneText = *p.SpeechCloneText
	}
	if p.SpeechToText != nil {
		rec.SpeechToText = *p.SpeechToText
	}
	if p.Audio != nil {
		rec.Audio = p.Audio
	}
}

// Delete removes a record by id; absent ids are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&SessionModel{}).Error; err != nil {
		return errmodel.Persistence("delete_failed", "delete session", nil, err)
	}
	return nil
}

// DeleteBatch removes every listed id in one transaction.
func (s *Store) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("id IN ?", ids).Delete(&SessionModel{}).Error
	})
	if err != nil {
		return errmodel.BatchWrite("delete sessions", err)
	}
	return nil
}

// DeleteAll empties the collection and returns the removed count.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("1 = 1").Delete(&SessionModel{})
	if res.Error != nil {
		return 0, errmodel.Persistence("delete_failed", "delete all sessions", nil, res.Error)
	}
	return int(res.RowsAffected), nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&SessionModel{}).Count(&n).Error; err != nil {
		return 0, errmodel.Persistence("count_failed", "count sessions", nil, err)
	}
	return int(n), nil
}

func applyQuery(db *gorm.DB, q history.Query, substringText bool) *gorm.DB {
	if q.Platform != nil {
		db = db.Where("platform = ?", string(*q.Platform))
	}
	if q.Speaker != nil {
		db = db.Where("speaker = ?", *q.Speaker)
	}
	if q.Language != nil {
		db = db.Where("language = ?", *q.Language)
	}
	if q.GenBy != nil {
		db = db.Where("gen_by = ?", string(*q.GenBy))
	}
	if q.Text != nil {
		if substringText {
			db = db.Where("text ILIKE ?", "%"+*q.Text+"%")
		} else {
			db = db.Where("text = ?", *q.Text)
		}
	}
	return db
}

// Find returns all records matching the query exactly, newest first.
func (s *Store) Find(ctx context.Context, q history.Query) ([]history.Session, error) {
	var models []SessionModel
	db := applyQuery(s.db.WithContext(ctx).Model(&SessionModel{}), q, false)
	if err := db.Order("created_at desc").Find(&models).Error; err != nil {
		return nil, errmodel.Persistence("query_failed", "select sessions", nil, err)
	}
	out := make([]history.Session, 0, len(models))
	for _, m := range models {
		out = append(out, fromModel(m))
	}
	return out, nil
}

// FindPage applies the query with Text as a case-insensitive substring,
// ordered by CreatedAt descending.
func (s *Store) FindPage(ctx context.Context, q history.Query, page, pageSize int) (history.Page, error) {
	if page < 1 || pageSize < 1 {
		return history.Page{}, errmodel.Validation("invalid_page", "page and pageSize must be >= 1", nil)
	}
	var total int64
	db := applyQuery(s.db.WithContext(ctx).Model(&SessionModel{}), q, true)
	if err := db.Count(&total).Error; err != nil {
		return history.Page{}, errmodel.Persistence("query_failed", "count sessions", nil, err)
	}
	var models []SessionModel
	err := db.Order("created_at desc").Offset((page - 1) * pageSize).Limit(pageSize).Find(&models).Error
	if err != nil {
		return history.Page{}, errmodel.Persistence("query_failed", "select sessions", nil, err)
	}
	results := make([]history.Session, 0, len(models))
	for _, m := range models {
		results = append(results, fromModel(m))
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return history.Page{Results: results, TotalPages: totalPages, CurrentPage: page}, nil
}

// Package journal keeps a local sqlite record of every intercept verdict
// sent to the backend.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/standardbeagle/mitmctl/internal/daemon"
)

// Entry is one recorded verdict.
type Entry struct {
	ID        uint      `gorm:"primaryKey" yaml:"-"`
	ConnID    uint64    `gorm:"index" yaml:"conn"`
	MessageID string    `gorm:"index" yaml:"message_id"`
	Kind      string    `yaml:"kind"`
	Dropped   bool      `yaml:"dropped"`
	Edited    bool      `yaml:"edited"`
	Canceled  bool      `yaml:"canceled"`
	SendError string    `yaml:"send_error,omitempty"`
	DecidedAt time.Time `gorm:"index" yaml:"decided_at"`
}

// TableName keeps the table name stable across struct renames.
func (Entry) TableName() string { return "verdicts" }

// Filter narrows Recent.
type Filter struct {
	// Kind limits entries to one message kind ("request", "response",
	// "websocket").
	Kind string
	// DroppedOnly keeps only drops.
	DroppedOnly bool
	// Since keeps entries decided at or after this time.
	Since time.Time
	// Limit caps the number of entries (0 means 100).
	Limit int
}

// Journal is a verdict journal backed by sqlite.
type Journal struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open opens or creates the journal at path. Use ":memory:" for a private
// in-memory journal.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: NewGormLogger(log).LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, log: log}, nil
}

// Record stores a verdict.
func (j *Journal) Record(rec daemon.VerdictRecord) error {
	e := Entry{
		ConnID:    rec.ConnID,
		MessageID: rec.MessageID,
		Kind:      rec.Kind,
		Dropped:   rec.Dropped,
		Edited:    rec.Edited,
		Canceled:  rec.Canceled,
		DecidedAt: rec.DecidedAt,
	}
	if rec.SendErr != nil {
		e.SendError = rec.SendErr.Error()
	}
	if e.DecidedAt.IsZero() {
		e.DecidedAt = time.Now()
	}
	return j.db.Create(&e).Error
}

// Recent returns matching entries, newest first.
func (j *Journal) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := j.db.WithContext(ctx).Order("decided_at DESC, id DESC").Limit(limit)
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.DroppedOnly {
		q = q.Where("dropped = ?", true)
	}
	if !f.Since.IsZero() {
		q = q.Where("decided_at >= ?", f.Since)
	}
	var out []Entry
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of recorded verdicts.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.WithContext(ctx).Model(&Entry{}).Count(&n).Error
	return n, err
}

// Prune deletes entries decided before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := j.db.WithContext(ctx).Where("decided_at < ?", cutoff).Delete(&Entry{})
	return res.RowsAffected, res.Error
}

// Close closes the database.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package journal

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = time.Second

// GormLogger routes gorm's logging into zerolog.
type GormLogger struct {
	Log      zerolog.Logger
	LogLevel logger.LogLevel
}

// NewGormLogger returns a GormLogger at Info level.
func NewGormLogger(log zerolog.Logger) *GormLogger {
	return &GormLogger{
		Log:      log.With().Str("component", "journal").Logger(),
		LogLevel: logger.Info,
	}
}

// LogMode returns a copy at level.
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *l
	c.LogLevel = level
	return &c
}

func (l *GormLogger) Info(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		l.Log.Info().Msgf(msg, data...)
	}
}

func (l *GormLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		l.Log.Warn().Msgf(msg, data...)
	}
}

func (l *GormLogger) Error(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		l.Log.Error().Msgf(msg, data...)
	}
}

// Trace logs one SQL statement: failures at error, slow ones at warn and the
// rest at debug when the level is Info.
func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= logger.Error:
		l.Log.Error().Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("sql failed")
	case elapsed > slowQuery && l.LogLevel >= logger.Warn:
		l.Log.Warn().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("slow sql")
	case l.LogLevel == logger.Info:
		l.Log.Debug().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("sql")
	}
}

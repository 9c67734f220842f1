package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// GormLogger 把 gorm 日志转到本包的分级日志
type GormLogger struct {
	LogLevel                  gormlogger.LogLevel
	SlowThreshold             time.Duration
	IgnoreRecordNotFoundError bool
}

// NewGormLogger 创建 gorm 日志适配器
func NewGormLogger(level string) gormlogger.Interface {
	var logLevel gormlogger.LogLevel
	switch ParseLevel(level) {
	case LevelDebug:
		logLevel = gormlogger.Info
	case LevelWarning:
		logLevel = gormlogger.Warn
	case LevelError:
		logLevel = gormlogger.Error
	default:
		logLevel = gormlogger.Warn
	}
	return &GormLogger{
		LogLevel:                  logLevel,
		SlowThreshold:             200 * time.Millisecond,
		IgnoreRecordNotFoundError: true,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Info {
		Infof(msg, data...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Warn {
		Warningf(msg, data...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Error {
		Errorf(msg, data...)
	}
}

// Trace 记录 SQL 执行情况。唯一键冲突是正常的并发结果，只记 debug。
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}
	elapsed := float64(time.Since(begin).Nanoseconds()) / 1e6
	sql, rows := fc()
	source := utils.FileWithLineNum()

	switch {
	case err != nil && errors.Is(err, gorm.ErrDuplicatedKey):
		Debugf("[%.3fms] [%s] %s; conflict=%v", elapsed, source, sql, err)
	case err != nil && l.LogLevel >= gormlogger.Error && (!errors.Is(err, gorm.ErrRecordNotFound) || !l.IgnoreRecordNotFoundError):
		Errorf("[%.3fms] [%s] %s; error=%v", elapsed, source, sql, err)
	case time.Since(begin) > l.SlowThreshold && l.SlowThreshold != 0 && l.LogLevel >= gormlogger.Warn:
		Warningf("[%.3fms] [%s] %s; %s, rows=%v", elapsed, source, sql, fmt.Sprintf("SLOW SQL >= %v", l.SlowThreshold), rows)
	case l.LogLevel == gormlogger.Info:
		Debugf("[%.3fms] [%s] %s; rows=%v", elapsed, source, sql, rows)
	}
}

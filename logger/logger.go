package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"chat-sync/config"
)

// Level 日志级别
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

var level atomic.Int32

func init() {
	level.Store(int32(LevelInfo))
}

// ParseLevel maps DEBUG/INFO/WARNING/ERROR to a Level; unknown names are INFO.
func ParseLevel(name string) Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return LevelDebug
	case "WARNING", "WARN":
		return LevelWarning
	case "ERROR", "FATAL":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel 设置全局日志级别
func SetLevel(l Level) { level.Store(int32(l)) }

func enabled(l Level) bool { return Level(level.Load()) <= l }

// createLogFilePath generates a log file path with the current date
func createLogFilePath(logDir, prefix string) string {
	currentDate := time.Now().Format("2006-01-02")
	return filepath.Join(logDir, fmt.Sprintf("%s-%s.log", prefix, currentDate))
}

func createRotatingLogger(logFilePath string, c config.LoggerConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    c.Rotation.MaxSize,
		MaxBackups: c.Rotation.MaxBackups,
		MaxAge:     c.Rotation.MaxAge,
		Compress:   c.Rotation.Compress,
	}
}

// Setup configures the std logger to write to stdout and a rotating file.
// The returned closer flushes and closes the file.
func Setup(c config.LoggerConfig, prefix string) (io.Closer, error) {
	if err := os.MkdirAll(c.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFilePath := createLogFilePath(c.Directory, prefix)
	rotating := createRotatingLogger(logFilePath, c)

	log.SetOutput(io.MultiWriter(os.Stdout, rotating))
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	SetLevel(ParseLevel(c.Level))

	log.Printf("Logging initialized: writing to %s", logFilePath)
	return rotating, nil
}

func output(l Level, tag, format string, args ...interface{}) {
	if !enabled(l) {
		return
	}
	_ = log.Output(3, tag+" "+fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{})   { output(LevelDebug, "[DEBUG]", format, args...) }
func Infof(format string, args ...interface{})    { output(LevelInfo, "[INFO]", format, args...) }
func Warningf(format string, args ...interface{}) { output(LevelWarning, "[WARNING]", format, args...) }
func Errorf(format string, args ...interface{})   { output(LevelError, "[ERROR]", format, args...) }

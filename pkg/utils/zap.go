package utils

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const LogTimeLayout = "2006-01-02 15:04:05.000"

var (
	logger *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	mu     sync.RWMutex
)

func init() {
	logger = NewLogger()
}

func GetLogger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func NewLogger(paths ...string) *zap.SugaredLogger {
	l, err := build(paths)
	if err != nil {
		panic(err)
	}
	return l
}

func build(paths []string) (*zap.SugaredLogger, error) {
	if len(paths) == 0 {
		paths = []string{"stderr"}
	}
	cfg := zap.Config{
		Level:    level,
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:  "msg",
			LevelKey:    "level",
			TimeKey:     "time",
			EncodeLevel: zapcore.CapitalLevelEncoder,
			EncodeTime:  zapcore.TimeEncoderOfLayout(LogTimeLayout),
		},
		OutputPaths:      paths,
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// InitLogger replaces the process logger. Components fetch the logger when
// they are constructed, so this must run before anything else is built.
func InitLogger(lvl string, logFile string) error {
	if err := SetLevel(lvl); err != nil {
		return err
	}
	paths := []string{"stderr"}
	if logFile != "" {
		paths = append(paths, logFile)
	}
	l, err := build(paths)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	_ = old.Sync()

	return nil
}

// SetLevel accepts zap level names plus the WARNING and CRITICAL names used
// in the config files.
func SetLevel(lvl string) error {
	if lvl == "" {
		return nil
	}
	s := strings.ToLower(lvl)
	switch s {
	case "critical":
		s = "error"
	case "warning":
		s = "warn"
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("unknown log level %q", lvl)
	}
	level.SetLevel(l)

	return nil
}

package i2cbridge

import (
	"log/slog"
	"os"
	"sync"
)

// Component identifies the part of the library a log record comes from.
type Component string

// Log components.
const (
	ComponentDevice Component = "device"
	ComponentScan   Component = "scan"
	ComponentBridge Component = "bridge"
)

var (
	logger   *slog.Logger
	logLevel = new(slog.LevelVar)
	logMu    sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// SetLogLevel sets the minimum level of the default library logger.
func SetLogLevel(l slog.Level) {
	logLevel.Set(l)
}

// SetLogger replaces the library logger. Passing nil restores the default
// stderr text logger.
func SetLogger(l *slog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	if l == nil {
		l = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}
	logger = l
}

// Logger returns the library logger tagged with component c.
func Logger(c Component) *slog.Logger {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	return l.With("component", string(c))
}

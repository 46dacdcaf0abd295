package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation describes size based rotation for file sinks.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 7
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 30
	}
	return r
}

func (r Rotation) open(path string) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", path, err)
	}
	r = r.withDefaults()
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}, nil
}

// Config describes how the application logger should behave. File outputs
// share the same rotation policy; "stdout" and "stderr" are written as is.
type Config struct {
	Service     string
	Level       string
	Format      string
	OutputPaths []string
	Rotation    Rotation
	Audit       AuditConfig
}

// AuditConfig controls the dedicated audit stream.
type AuditConfig struct {
	Enabled  bool
	Path     string
	Rotation Rotation
}

type sinks struct {
	mu      sync.Mutex
	closers []io.Closer
}

func (s *sinks) track(c io.Closer) {
	s.mu.Lock()
	s.closers = append(s.closers, c)
	s.mu.Unlock()
}

func (s *sinks) closeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, c := range s.closers {
		err = errors.Join(err, c.Close())
	}
	s.closers = nil
	return err
}

var (
	current atomic.Pointer[slog.Logger]
	audit   atomic.Pointer[slog.Logger]
	open    sinks
	once    sync.Once
	initErr error
)

// Init configures the global logger instances. Only the first call takes
// effect; later calls return the outcome of the first one.
func Init(cfg Config) error {
	once.Do(func() { initErr = install(cfg) })
	return initErr
}

func install(cfg Config) error {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	w, err := mainWriter(cfg.OutputPaths, cfg.Rotation)
	if err != nil {
		current.Store(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
		return err
	}
	current.Store(withService(slog.New(newHandler(cfg.Format, w, opts)), cfg.Service))

	if !cfg.Audit.Enabled {
		return nil
	}
	if cfg.Audit.Path == "" {
		return errors.New("audit log path cannot be empty when enabled")
	}
	aw, err := cfg.Audit.Rotation.open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	open.track(aw)
	auditHandler := slog.NewJSONHandler(aw, &slog.HandlerOptions{Level: slog.LevelInfo})
	audit.Store(withService(slog.New(auditHandler), cfg.Service).With(slog.String("stream", "audit")))
	return nil
}

func mainWriter(outputs []string, rotation Rotation) (io.Writer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			fw, err := rotation.open(out)
			if err != nil {
				return nil, err
			}
			open.track(fw)
			writers = append(writers, fw)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func withService(l *slog.Logger, service string) *slog.Logger {
	if service == "" {
		return l
	}
	return l.With(slog.String("service", service))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured logger instance.
func L() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	_ = Init(Config{})
	return current.Load()
}

// Audit returns the audit logger, or the default logger when no audit
// stream is configured.
func Audit() *slog.Logger {
	if l := audit.Load(); l != nil {
		return l
	}
	return L()
}

// Sync closes every file sink opened by Init.
func Sync() error { return open.closeAll() }

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// ForSession returns a logger carrying the session identifier.
func ForSession(sessionID string) *slog.Logger {
	return L().With(slog.String("session_id", sessionID))
}

// ForProof returns a logger carrying the proof identifier.
func ForProof(proofID string) *slog.Logger {
	return L().With(slog.String("proof_id", proofID))
}

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

var stdoutLogFormat = logging.MustStringFormatter(
	`%{color:reset}%{color}%{time:2006-01-02 15:04:05.000} [%{level}] [%{module}/%{shortfunc}] %{message}`,
)

var fileLogFormat = logging.MustStringFormatter(
	`%{time:2006-01-02 15:04:05.000} [%{level}] [%{module}/%{shortfunc}] %{message}`,
)

// Config mirrors LOG_LEVEL and LOG_OUTPUT.
type Config struct {
	Level  string
	Output string
}

func ConfigFromEnv() Config {
	return Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Output: os.Getenv("LOG_OUTPUT"),
	}
}

// Setup installs the process log backend. Output is "stdout" (default) or
// "file:<path>", the latter rotated by lumberjack.
func Setup(cfg Config) (io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var closer io.Closer = nopCloser{}
	out := strings.TrimSpace(cfg.Output)
	switch {
	case out == "" || out == "stdout":
		backend := logging.NewLogBackend(os.Stdout, "", 0)
		logging.SetBackend(logging.NewBackendFormatter(backend, stdoutLogFormat))
	case strings.HasPrefix(out, "file:"):
		path := strings.TrimPrefix(out, "file:")
		if path == "" {
			return nil, fmt.Errorf("LOG_OUTPUT file path is empty")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		w := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // Megabytes
			MaxBackups: 3,
			MaxAge:     30, // Days
		}
		backend := logging.NewLogBackend(w, "", 0)
		logging.SetBackend(logging.NewBackendFormatter(backend, fileLogFormat))
		closer = w
	default:
		return nil, fmt.Errorf("unknown LOG_OUTPUT %q", cfg.Output)
	}
	logging.SetLevel(level, "")
	return closer, nil
}

func ParseLevel(s string) (logging.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return logging.INFO, nil
	case "debug", "trace":
		return logging.DEBUG, nil
	case "info":
		return logging.INFO, nil
	case "notice":
		return logging.NOTICE, nil
	case "warn", "warning":
		return logging.WARNING, nil
	case "error":
		return logging.ERROR, nil
	case "critical":
		return logging.CRITICAL, nil
	}
	return logging.INFO, fmt.Errorf("unknown LOG_LEVEL %q", s)
}

func MustGetLogger(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var (
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// RateLimitedf logs at debug level at most once per interval for key.
func RateLimitedf(log *logging.Logger, key string, interval time.Duration, format string, args ...any) {
	if log == nil || key == "" || !log.IsEnabledFor(logging.DEBUG) {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	log.Debugf(format, args...)
}

package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Validation range constants.
const (
	maxBufferTime      = time.Minute
	minShutdownTimeout = 100 * time.Millisecond
	minDebounce        = time.Millisecond
	minBodyBytes       = 1 << 10
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateWatch(&cfg.Watch)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLoad(&cfg.Load)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks the values the environment and CLI layers can
// change, after the whole override chain has been applied.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Store.Path == "" {
		errs = append(errs, errors.New("store.path: must not be empty"))
	}

	errs = append(errs, validateListen(cfg.Server.Listen)...)

	return errors.Join(errs...)
}

func validateWatch(w *WatchConfig) []error {
	var errs []error

	d, err := time.ParseDuration(w.BufferTime)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("watch.buffer_time: invalid duration %q: %w", w.BufferTime, err))
	case d <= 0 || d > maxBufferTime:
		errs = append(errs, fmt.Errorf("watch.buffer_time: must be in (0, %s], got %s", maxBufferTime, d))
	}

	if w.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("watch.queue_size: must be >= 0, got %d", w.QueueSize))
	}

	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	errs = append(errs, validateListen(s.Listen)...)
	errs = append(errs, validateDurationMin("server.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	n, err := ParseSize(s.MaxBodySize)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("server.max_body_size: %w", err))
	case n < minBodyBytes:
		errs = append(errs, fmt.Errorf("server.max_body_size: must be at least 1KiB, got %q", s.MaxBodySize))
	}

	return errs
}

func validateListen(addr string) []error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return []error{fmt.Errorf("server.listen: %w", err)}
	}

	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return []error{fmt.Errorf("server.listen: invalid port %q", port)}
	}

	return nil
}

func validateLoad(l *LoadConfig) []error {
	var errs []error

	if l.Dir != "" && l.Table == "" {
		errs = append(errs, errors.New("load.table: required when load.dir is set"))
	}

	errs = append(errs, validateDurationMin("load.debounce", l.Debounce, minDebounce)...)

	return errs
}

// validateDurationMin checks that a duration string is valid and meets a
// minimum.
func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

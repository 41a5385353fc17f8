// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for docwatch. Values resolve through a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags), and each layer only replaces the fields it sets.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Store   StoreConfig   `toml:"store"`
	Watch   WatchConfig   `toml:"watch"`
	Server  ServerConfig  `toml:"server"`
	Load    LoadConfig    `toml:"load"`
	Logging LoggingConfig `toml:"logging"`
}

// StoreConfig locates the document database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// WatchConfig holds the watch defaults applied when a request or flag sets
// none. A queue_size of 0 leaves the changefeed source default.
type WatchConfig struct {
	BufferTime string `toml:"buffer_time"`
	QueueSize  int    `toml:"queue_size"`
}

// ServerConfig controls the HTTP and websocket listener.
type ServerConfig struct {
	Listen          string `toml:"listen"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	MaxBodySize     string `toml:"max_body_size"`
}

// LoadConfig mirrors a directory of JSON files into a table while the
// server runs. An empty dir disables the loader.
type LoadConfig struct {
	Dir      string `toml:"dir"`
	Table    string `toml:"table"`
	Debounce string `toml:"debounce"`
}

// LoggingConfig controls log output: level and handler format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from an explicit value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     *string // --db flag
	Listen     *string // --listen flag
}

// Resolved is the effective configuration after every override layer.
type Resolved struct {
	Config

	Path     string // config file consulted
	FromFile bool   // whether Path existed and was parsed
}

// BufferDuration returns buffer_time. Values are validated on load, so a
// parse failure only happens for a hand-built Config and yields 0.
func (w WatchConfig) BufferDuration() time.Duration {
	return parseDuration(w.BufferTime)
}

// ShutdownDuration returns shutdown_timeout.
func (s ServerConfig) ShutdownDuration() time.Duration {
	return parseDuration(s.ShutdownTimeout)
}

// MaxBodyBytes returns max_body_size in bytes.
func (s ServerConfig) MaxBodyBytes() int64 {
	n, err := ParseSize(s.MaxBodySize)
	if err != nil {
		return 0
	}

	return n
}

// DebounceDuration returns the loader debounce.
func (l LoadConfig) DebounceDuration() time.Duration {
	return parseDuration(l.Debounce)
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

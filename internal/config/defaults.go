package config

// Default values for configuration options. These are layer 0 of the
// override chain and match the library defaults of the packages they feed.
const (
	defaultBufferTime      = "10ms"
	defaultQueueSize       = 0
	defaultListen          = "127.0.0.1:7878"
	defaultShutdownTimeout = "5s"
	defaultMaxBodySize     = "10MiB"
	defaultLoadDebounce    = "100ms"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: DefaultDBPath(),
		},
		Watch: WatchConfig{
			BufferTime: defaultBufferTime,
			QueueSize:  defaultQueueSize,
		},
		Server: ServerConfig{
			Listen:          defaultListen,
			ShutdownTimeout: defaultShutdownTimeout,
			MaxBodySize:     defaultMaxBodySize,
		},
		Load: LoadConfig{
			Debounce: defaultLoadDebounce,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}

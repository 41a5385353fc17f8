package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig = "DOCWATCH_CONFIG"
	EnvDB     = "DOCWATCH_DB"
	EnvListen = "DOCWATCH_LISTEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // DOCWATCH_CONFIG: config file path
	DBPath     string // DOCWATCH_DB: database path
	Listen     string // DOCWATCH_LISTEN: server address
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDB),
		Listen:     os.Getenv(EnvListen),
	}
}

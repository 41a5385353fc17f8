package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o644

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteDefault when the file is present and
// overwriting was not requested.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is the file written by "config init". Every setting is
// present as a commented-out default.
const configTemplate = `# docwatch configuration
# Uncomment and modify to override defaults.

[store]
# SQLite database file
# path = "~/.local/share/docwatch/docwatch.db"

[watch]
# Time window collecting updates into one batch
# buffer_time = "10ms"
# Changefeed queue bound per watch (0 = store default)
# queue_size = 0

[server]
# listen = "127.0.0.1:7878"
# shutdown_timeout = "5s"
# max_body_size = "10MiB"

[load]
# Mirror a directory of *.json files into a table while serving
# dir = ""
# table = ""
# debounce = "100ms"

[logging]
# debug, info, warn, error
# log_level = "info"
# auto, text, json
# log_format = "auto"
`

// WriteDefault writes the commented default config to path. An existing
// file is replaced only when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}

	slog.Info("writing default config", slog.String("path", path))

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it over path. Parent directories are created as
// needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}

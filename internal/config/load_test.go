package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[store]
path = "/var/lib/docwatch/db.sqlite"

[watch]
buffer_time = "250ms"
queue_size = 5000

[server]
listen = "0.0.0.0:9000"
shutdown_timeout = "10s"
max_body_size = "1MiB"

[load]
dir = "/srv/posts"
table = "posts"
debounce = "50ms"

[logging]
log_level = "debug"
log_format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/docwatch/db.sqlite", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Watch.BufferDuration())
	assert.Equal(t, 5000, cfg.Watch.QueueSize)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownDuration())
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes())
	assert.Equal(t, "posts", cfg.Load.Table)
	assert.Equal(t, 50*time.Millisecond, cfg.Load.DebounceDuration())
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[watch]
buffer_time = "1s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1s", cfg.Watch.BufferTime)
	assert.Equal(t, defaultListen, cfg.Server.Listen)
	assert.Equal(t, defaultLogLevel, cfg.Logging.LogLevel)
}

func TestLoad_UnknownKeys(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"misspelled key", "[watch]\nbufer_time = \"1s\"\n", `did you mean "buffer_time"`},
		{"misspelled section", "[sever]\nlisten = \"x:1\"\n", `did you mean "server"`},
		{"key outside section", "listen = \"127.0.0.1:1\"\n", "belongs in the [server] section"},
		{"unrelated section", "[database]\nurl = \"x\"\n", `unknown config section "database"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTestConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[watch\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationError(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[logging]\nlog_level = \"loud\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, fromFile, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.False(t, fromFile)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Precedence(t *testing.T) {
	path := writeTestConfig(t, `
[store]
path = "/from/file.db"

[server]
listen = "127.0.0.1:1111"
`)

	// File only.
	r, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
	require.NoError(t, err)
	assert.True(t, r.FromFile)
	assert.Equal(t, path, r.Path)
	assert.Equal(t, "/from/file.db", r.Store.Path)
	assert.Equal(t, "127.0.0.1:1111", r.Server.Listen)

	// Environment beats the file.
	env := EnvOverrides{DBPath: "/from/env.db", Listen: "127.0.0.1:2222"}
	r, err = Resolve(env, CLIOverrides{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "/from/env.db", r.Store.Path)
	assert.Equal(t, "127.0.0.1:2222", r.Server.Listen)

	// Flags beat the environment.
	db, listen := "/from/flag.db", "127.0.0.1:3333"
	r, err = Resolve(env, CLIOverrides{ConfigPath: path, DBPath: &db, Listen: &listen})
	require.NoError(t, err)
	assert.Equal(t, db, r.Store.Path)
	assert.Equal(t, listen, r.Server.Listen)
}

func TestResolve_ConfigPathFromEnv(t *testing.T) {
	path := writeTestConfig(t, "[watch]\nqueue_size = 7\n")

	r, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, 7, r.Watch.QueueSize)
}

func TestResolve_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	db := "~/data/docs.db"
	r, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "absent.toml"),
		DBPath:     &db,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "docs.db"), r.Store.Path)
}

func TestResolve_BadOverride(t *testing.T) {
	listen := "no-port"
	_, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "absent.toml"),
		Listen:     &listen,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.listen")
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/docwatch.toml")
	t.Setenv(EnvDB, "/tmp/d.db")
	t.Setenv(EnvListen, ":9")

	assert.Equal(t, EnvOverrides{
		ConfigPath: "/etc/docwatch.toml",
		DBPath:     "/tmp/d.db",
		Listen:     ":9",
	}, ReadEnvOverrides())
}

package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated TOML
// summary to w. This powers "config show": the output is what the server
// would run with after every override layer.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	if r.FromFile {
		ew.printf("# Effective configuration (file: %s)\n\n", r.Path)
	} else {
		ew.printf("# Effective configuration (defaults; %s not found)\n\n", r.Path)
	}

	ew.printf("[store]\n")
	ew.printf("path = %q\n\n", r.Store.Path)

	ew.printf("[watch]\n")
	ew.printf("buffer_time = %q\n", r.Watch.BufferTime)
	ew.printf("queue_size  = %d\n\n", r.Watch.QueueSize)

	ew.printf("[server]\n")
	ew.printf("listen           = %q\n", r.Server.Listen)
	ew.printf("shutdown_timeout = %q\n", r.Server.ShutdownTimeout)
	ew.printf("max_body_size    = %q\n\n", r.Server.MaxBodySize)

	ew.printf("[load]\n")

	if r.Load.Dir != "" {
		ew.printf("dir      = %q\n", r.Load.Dir)
		ew.printf("table    = %q\n", r.Load.Table)
	}

	ew.printf("debounce = %q\n\n", r.Load.Debounce)

	ew.printf("[logging]\n")
	ew.printf("log_level  = %q\n", r.Logging.LogLevel)
	ew.printf("log_format = %q\n", r.Logging.LogFormat)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

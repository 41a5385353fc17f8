// Package server exposes a document store over HTTP: a small JSON REST
// API for tables and documents, and websocket endpoints that stream
// deduplicated watch batches (/watch) or raw changefeed entries (/feed).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/docwatch/internal/docstore"
	"github.com/tonimelisma/docwatch/internal/feed"
)

// Defaults for Options.
const (
	DefaultAddr            = "127.0.0.1:7878"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxBodyBytes    = 10 << 20
	readHeaderTimeout      = 10 * time.Second
)

// Store is the document store surface the server needs.
type Store interface {
	feed.Conn
	feed.PrimaryKeyResolver

	CreateTable(ctx context.Context, name string, opts docstore.TableOptions) error
	DropTable(ctx context.Context, name string) error
	Table(ctx context.Context, name string) (*docstore.TableInfo, error)
	ListTables(ctx context.Context) ([]docstore.TableInfo, error)
	CreateIndex(ctx context.Context, table string, spec docstore.IndexSpec) error

	Insert(ctx context.Context, table string, doc feed.Value) (feed.Value, error)
	Replace(ctx context.Context, table string, doc feed.Value) (feed.Value, error)
	Update(ctx context.Context, table, id string, patch feed.Value) (feed.Value, error)
	Delete(ctx context.Context, table, id string) (feed.Value, error)
	Get(ctx context.Context, table, id string) (feed.Value, error)
	List(ctx context.Context, table string) ([]feed.Value, error)
	Query(ctx context.Context, q feed.Query) ([]feed.Value, error)
}

// Options configures a Server.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64         // REST request body limit
	BufferTime      time.Duration // default watch window when the request sets none
	QueueSize       int           // default changefeed queue bound
	Logger          *slog.Logger
}

// serverCounters holds atomic counters for Stats.
type serverCounters struct {
	requests      atomic.Int64
	streams       atomic.Int64
	activeStreams atomic.Int64
	messages      atomic.Int64
}

// Stats is a snapshot of server activity.
type Stats struct {
	Requests      int64
	Streams       int64
	ActiveStreams int64
	Messages      int64
}

// Server serves one Store.
type Server struct {
	store  Store
	opts   Options
	logger *slog.Logger
	stats  serverCounters
}

// New creates a Server. Call Handler to mount it or Serve to run it.
func New(store Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return &Server{
		store:  store,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests:      s.stats.requests.Load(),
		Streams:       s.stats.streams.Load(),
		ActiveStreams: s.stats.activeStreams.Load(),
		Messages:      s.stats.messages.Load(),
	}
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /tables", s.rest(s.handleListTables))
	mux.Handle("POST /tables", s.rest(s.handleCreateTable))
	mux.Handle("GET /tables/{table}", s.rest(s.handleGetTable))
	mux.Handle("DELETE /tables/{table}", s.rest(s.handleDropTable))
	mux.Handle("POST /tables/{table}/indexes", s.rest(s.handleCreateIndex))

	mux.Handle("GET /tables/{table}/docs", s.rest(s.handleListDocs))
	mux.Handle("POST /tables/{table}/docs", s.rest(s.handleInsertDoc))
	mux.Handle("GET /tables/{table}/docs/{id}", s.rest(s.handleGetDoc))
	mux.Handle("PUT /tables/{table}/docs/{id}", s.rest(s.handleReplaceDoc))
	mux.Handle("PATCH /tables/{table}/docs/{id}", s.rest(s.handleUpdateDoc))
	mux.Handle("DELETE /tables/{table}/docs/{id}", s.rest(s.handleDeleteDoc))

	mux.HandleFunc("GET /watch", s.handleWatch)
	mux.HandleFunc("GET /feed", s.handleFeed)

	return s.logRequests(mux)
}

// ListenAndServe listens on the configured address and serves until ctx
// is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.opts.Addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
// Open streams see their request context canceled and close with a
// going-away status.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serving: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		// ctx is already done; shutdown gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()

		s.logger.Info("server shutting down", slog.Duration("timeout", s.opts.ShutdownTimeout))

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}

		return nil
	})

	err := g.Wait()

	s.logger.Info("server stopped",
		slog.Int64("requests", s.stats.requests.Load()),
		slog.Int64("streams", s.stats.streams.Load()),
	)

	return err
}

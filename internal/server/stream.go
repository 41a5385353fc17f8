package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/docwatch/internal/docstore"
	"github.com/tonimelisma/docwatch/internal/feed"
	"github.com/tonimelisma/docwatch/internal/watch"
)

// maxCloseReason is the longest close-frame reason a control frame can
// carry.
const maxCloseReason = 123

// WatchMessage is one message on the /watch stream.
type WatchMessage struct {
	Seq     int64        `json:"seq"`
	Initial bool         `json:"initial"`
	Updates *watch.Batch `json:"updates"`
}

// StreamParams are the query parameters shared by /watch and /feed.
type StreamParams struct {
	Query      feed.Query
	BufferTime time.Duration // /watch only
	QueueSize  int
	Initial    bool // /feed only
	States     bool // /feed only
	Squash     bool // /feed only
}

// Encode renders p as URL query parameters.
func (p StreamParams) Encode() string {
	v := url.Values{}
	v.Set("table", p.Query.Table)

	if p.Query.Index != "" {
		v.Set("index", p.Query.Index)
	}

	for _, val := range p.Query.Values {
		v.Add("value", val)
	}

	if p.BufferTime > 0 {
		v.Set("buffer", p.BufferTime.String())
	}

	if p.QueueSize > 0 {
		v.Set("queue", strconv.Itoa(p.QueueSize))
	}

	for name, on := range map[string]bool{"initial": p.Initial, "states": p.States, "squash": p.Squash} {
		if on {
			v.Set(name, "true")
		}
	}

	return v.Encode()
}

// parseStreamParams reads StreamParams from a request URL.
func parseStreamParams(v url.Values) (StreamParams, error) {
	p := StreamParams{
		Query: feed.Query{
			Table:  v.Get("table"),
			Index:  v.Get("index"),
			Values: v["value"],
		},
	}

	if p.Query.Table == "" {
		return p, errors.New("missing table parameter")
	}

	if raw := v.Get("buffer"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return p, fmt.Errorf("invalid buffer %q", raw)
		}

		p.BufferTime = d
	}

	if raw := v.Get("queue"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("invalid queue %q", raw)
		}

		p.QueueSize = n
	}

	for name, dst := range map[string]*bool{"initial": &p.Initial, "states": &p.States, "squash": &p.Squash} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}

		b, err := strconv.ParseBool(raw)
		if err != nil {
			return p, fmt.Errorf("invalid %s %q", name, raw)
		}

		*dst = b
	}

	return p, nil
}

// handleWatch streams deduplicated batches for one query. The first
// message is the initial result set.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	p, err := parseStreamParams(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}

	if p.BufferTime == 0 {
		p.BufferTime = s.opts.BufferTime
	}

	if p.QueueSize == 0 {
		p.QueueSize = s.opts.QueueSize
	}

	// Open before upgrading so a bad query is a plain HTTP error.
	watcher, err := watch.Open(r.Context(), p.Query, s.store, watch.Options{
		PrimaryKey: docstore.PrimaryKey,
		QueueSize:  p.QueueSize,
		BufferTime: p.BufferTime,
		Logger:     s.logger,
	})
	if err != nil {
		apiErr := storeError(err)
		writeJSON(w, apiErr.Status, ErrorResponse{Error: apiErr.Message, Code: errorCodeForStatus(apiErr.Status)})

		return
	}
	defer watcher.Close()

	conn, ctx, ok := s.accept(w, r, p.Query)
	if !ok {
		return
	}
	defer s.endStream()

	// A client going away cancels the watch.
	stop := context.AfterFunc(ctx, func() { _ = watcher.Close() })
	defer stop()

	var seq int64

	for batch, err := range watcher.All() {
		if err != nil {
			s.closeStream(ctx, conn, p.Query, err)
			return
		}

		seq++

		msg := WatchMessage{Seq: seq, Initial: seq == 1, Updates: batch}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			s.logger.Debug("watch stream write failed",
				slog.String("query", p.Query.String()),
				slog.String("error", err.Error()),
			)

			_ = conn.CloseNow()

			return
		}

		s.stats.messages.Add(1)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "feed ended")
}

// handleFeed streams the raw changefeed for one query.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	p, err := parseStreamParams(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}

	if p.QueueSize == 0 {
		p.QueueSize = s.opts.QueueSize
	}

	// Validate the query before upgrading.
	if err := s.checkQuery(r.Context(), p.Query); err != nil {
		apiErr := storeError(err)
		writeJSON(w, apiErr.Status, ErrorResponse{Error: apiErr.Message, Code: errorCodeForStatus(apiErr.Status)})

		return
	}

	conn, ctx, ok := s.accept(w, r, p.Query)
	if !ok {
		return
	}
	defer s.endStream()

	opts := feed.Options{
		QueueSize:      p.QueueSize,
		IncludeInitial: p.Initial,
		IncludeStates:  p.States,
		Squash:         p.Squash,
	}

	for ch, err := range watch.Feed(ctx, p.Query, s.store, opts) {
		if err != nil {
			s.closeStream(ctx, conn, p.Query, err)
			return
		}

		if err := wsjson.Write(ctx, conn, ch); err != nil {
			_ = conn.CloseNow()
			return
		}

		s.stats.messages.Add(1)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "feed ended")
}

// checkQuery reports a missing table or index.
func (s *Server) checkQuery(ctx context.Context, q feed.Query) error {
	info, err := s.store.Table(ctx, q.Table)
	if err != nil {
		return err
	}

	if q.Index == "" {
		return nil
	}

	for _, ix := range info.Indexes {
		if ix.Name == q.Index {
			return nil
		}
	}

	return fmt.Errorf("%w: %s.%s", docstore.ErrNoSuchIndex, q.Table, q.Index)
}

// accept upgrades the request. The returned context ends when the client
// disconnects or the server shuts down.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, q feed.Query) (*websocket.Conn, context.Context, bool) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("query", q.String()),
			slog.String("error", err.Error()),
		)

		return nil, nil, false
	}

	s.stats.streams.Add(1)
	s.stats.activeStreams.Add(1)

	s.logger.Info("stream opened",
		slog.String("path", r.URL.Path),
		slog.String("query", q.String()),
		slog.String("remote", r.RemoteAddr),
	)

	// Clients never send data; reading only processes control frames.
	return conn, conn.CloseRead(r.Context()), true
}

func (s *Server) endStream() {
	s.stats.activeStreams.Add(-1)
}

// closeStream ends a stream after err. Cancellation by the client or by
// server shutdown is not an error for the client to see.
func (s *Server) closeStream(ctx context.Context, conn *websocket.Conn, q feed.Query, err error) {
	if ctx.Err() != nil || errors.Is(err, watch.ErrCanceled) || errors.Is(err, watch.ErrClosed) {
		_ = conn.Close(websocket.StatusGoingAway, "stream closed")
		return
	}

	s.logger.Warn("stream failed",
		slog.String("query", q.String()),
		slog.String("error", err.Error()),
	)

	_ = conn.Close(websocket.StatusInternalError, truncateReason(err.Error()))
}

// truncateReason shortens s to fit a close frame without splitting a rune.
func truncateReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}

	s = s[:maxCloseReason]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}

	return s
}

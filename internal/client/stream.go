package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/docwatch/internal/feed"
	"github.com/tonimelisma/docwatch/internal/server"
)

// maxMessageBytes bounds one stream message; a large initial batch can be
// big.
const maxMessageBytes = 64 << 20

// ErrStream reports a stream the server ended with an error.
var ErrStream = errors.New("client: stream failed")

// StreamOptions tunes Watch and Feed.
type StreamOptions = server.StreamParams

// Watch streams deduplicated batches for q and calls fn for each, in
// order. It returns nil when the server ends the feed, ctx.Err() when ctx
// is canceled, the first error fn returns, or an error wrapping ErrStream
// carrying the server's reason.
func (c *Client) Watch(
	ctx context.Context, q feed.Query, opts StreamOptions, fn func(server.WatchMessage) error,
) error {
	return stream(ctx, c, "watch", q, opts, fn)
}

// Feed streams raw changefeed entries for q. Returns like Watch.
func (c *Client) Feed(ctx context.Context, q feed.Query, opts StreamOptions, fn func(feed.RawChange) error) error {
	return stream(ctx, c, "feed", q, opts, fn)
}

// Watch dials baseURL and streams watch batches. See Client.Watch.
func Watch(
	ctx context.Context, baseURL string, q feed.Query, opts StreamOptions, fn func(server.WatchMessage) error,
) error {
	c, err := New(baseURL, nil, nil)
	if err != nil {
		return err
	}

	return c.Watch(ctx, q, opts, fn)
}

// Feed dials baseURL and streams raw changes. See Client.Feed.
func Feed(ctx context.Context, baseURL string, q feed.Query, opts StreamOptions, fn func(feed.RawChange) error) error {
	c, err := New(baseURL, nil, nil)
	if err != nil {
		return err
	}

	return c.Feed(ctx, q, opts, fn)
}

func stream[T any](
	ctx context.Context, c *Client, path string, q feed.Query, opts StreamOptions, fn func(T) error,
) error {
	opts.Query = q
	params, err := url.ParseQuery(opts.Encode())
	if err != nil {
		return fmt.Errorf("client: encoding stream parameters: %w", err)
	}

	scheme := "ws"
	if c.baseURL.Scheme == "https" {
		scheme = "wss"
	}

	target := c.endpoint(scheme, []string{path}, params)

	// The default HTTP client: websocket dials reject client timeouts.
	conn, resp, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return decodeAPIError(resp)
		}

		return fmt.Errorf("client: dialing %s: %w", target, err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(maxMessageBytes)

	c.logger.Debug("stream connected", slog.String("url", target))

	for {
		var msg T

		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return streamEnd(ctx, err)
		}

		if err := fn(msg); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

// streamEnd classifies the error that ended a stream read.
func streamEnd(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNormalClosure:
			return nil
		case websocket.StatusGoingAway:
			return fmt.Errorf("%w: server closed the stream: %s", ErrStream, ce.Reason)
		default:
			return fmt.Errorf("%w: %s", ErrStream, ce.Reason)
		}
	}

	return fmt.Errorf("client: reading stream: %w", err)
}

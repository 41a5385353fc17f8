package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tonimelisma/docwatch/internal/feed"
)

// KeyFunc derives the logical entity key from a document. An error is a
// key contract violation and ends the watch.
type KeyFunc func(feed.Value) (string, error)

// FieldKey keys documents on the stringified value of field.
func FieldKey(field string) KeyFunc {
	return func(v feed.Value) (string, error) {
		raw, ok := v[field]
		if !ok {
			return "", fmt.Errorf("document has no %q field", field)
		}

		return stringify(raw)
	}
}

// stringify renders a primary-key value the way it is written in JSON,
// without quotes for strings.
func stringify(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		return t.String(), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", errors.New("primary key is null")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("encoding primary key: %w", err)
		}

		return string(b), nil
	}
}

// resolveKey picks the key function for a watch: the caller's, or one
// built from the primary-key field reported by the metadata resolver.
func resolveKey(ctx context.Context, q feed.Query, conn feed.Conn, opts *Options) (KeyFunc, error) {
	if opts.Key != nil {
		return opts.Key, nil
	}

	pk := opts.PrimaryKey
	if pk == nil {
		r, ok := conn.(feed.PrimaryKeyResolver)
		if !ok {
			return nil, fmt.Errorf("%w: no key function and no primary key resolver for %s", ErrNoPrimaryKey, q)
		}

		pk = func(ctx context.Context, q feed.Query, _ feed.Conn) (string, error) {
			return r.PrimaryKey(ctx, q.Table)
		}
	}

	field, err := pk(ctx, q, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoPrimaryKey, q, err)
	}

	if field == "" {
		return nil, fmt.Errorf("%w: %s: empty field name", ErrNoPrimaryKey, q)
	}

	return FieldKey(field), nil
}

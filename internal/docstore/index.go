package docstore

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/docwatch/internal/feed"
)

// documentID renders the primary-key value of doc as the stored row id.
// Only strings and numbers are valid primary keys.
func documentID(doc feed.Value, pk string) (string, error) {
	raw, ok := doc[pk]
	if !ok {
		return "", fmt.Errorf("%w: missing primary key %q", ErrInvalidDocument, pk)
	}

	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("%w: empty primary key %q", ErrInvalidDocument, pk)
		}

		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("%w: primary key %q must be a string or number, got %T", ErrInvalidDocument, pk, raw)
	}
}

// indexKey renders one scalar field value as an index entry. Strings are
// NFC-normalized so that canonically equivalent spellings match.
func indexKey(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case nil:
		return "", false
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}

		return string(b), true
	}
}

// indexKeys returns the distinct index entries doc contributes to spec,
// in field order. A multi index contributes one entry per array element;
// a plain index one entry for the whole value.
func indexKeys(doc feed.Value, spec IndexSpec) []string {
	if doc == nil {
		return nil
	}

	raw, ok := doc[spec.Field]
	if !ok {
		return nil
	}

	elems := []any{raw}
	if arr, isArr := raw.([]any); isArr && spec.Multi {
		elems = arr
	}

	var keys []string

	for _, e := range elems {
		k, ok := indexKey(e)
		if ok && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}

	return keys
}

// normalizeValues NFC-normalizes query values and drops duplicates,
// keeping first-seen order. Each remaining value is one match path.
func normalizeValues(values []string) []string {
	out := make([]string, 0, len(values))

	for _, v := range values {
		n := norm.NFC.String(v)
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}

	return out
}

// matchPaths returns, for each query value, whether doc matches through
// it. A whole-table query has a single path matched by any document.
func matchPaths(doc feed.Value, spec *IndexSpec, values []string) []bool {
	if spec == nil {
		return []bool{doc != nil}
	}

	keys := indexKeys(doc, *spec)
	paths := make([]bool, len(values))

	for i, v := range values {
		paths[i] = slices.Contains(keys, v)
	}

	return paths
}

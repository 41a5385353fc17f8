package docstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/tonimelisma/docwatch/internal/feed"
)

// SQL statements for document operations.
const (
	sqlGetDoc   = `SELECT body FROM documents WHERE table_name = ? AND id = ?`
	sqlListDocs = `SELECT body FROM documents WHERE table_name = ? ORDER BY id`

	sqlUpsertDoc = `INSERT INTO documents (table_name, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
		 body = excluded.body,
		 updated_at = excluded.updated_at`

	sqlDeleteDoc     = `DELETE FROM documents WHERE table_name = ? AND id = ?`
	sqlDeleteEntries = `DELETE FROM index_entries WHERE table_name = ? AND doc_id = ?`

	sqlInsertEntry = `INSERT OR IGNORE INTO index_entries (table_name, index_name, value, doc_id)
		VALUES (?, ?, ?, ?)`

	sqlQueryIndex = `SELECT body FROM documents WHERE table_name = ? AND id IN (
		SELECT doc_id FROM index_entries WHERE table_name = ? AND index_name = ? AND value IN (%s)
	) ORDER BY id`
)

// mutation is the before and after image of one written document.
type mutation struct {
	oldDoc, newDoc   feed.Value
	oldBody, newBody []byte
}

// Insert adds a new document. A document without its primary-key field
// gets a random UUID. Returns the stored document.
func (s *Store) Insert(ctx context.Context, table string, doc feed.Value) (feed.Value, error) {
	m, err := s.mutate(ctx, table, func(tx *sql.Tx, info *TableInfo) (*mutation, error) {
		if _, ok := doc[info.PrimaryKey]; !ok {
			doc = maps.Clone(doc)
			doc[info.PrimaryKey] = uuid.NewString()
		}

		id, newDoc, newBody, err := canonical(doc, info.PrimaryKey)
		if err != nil {
			return nil, err
		}

		if _, _, err := getDoc(ctx, tx, table, id); err == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateKey, table, id)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		if err := s.putDoc(ctx, tx, info, id, newDoc, newBody); err != nil {
			return nil, err
		}

		return &mutation{newDoc: newDoc, newBody: newBody}, nil
	})
	if err != nil {
		return nil, err
	}

	return m.newDoc, nil
}

// Replace writes doc under its primary key, inserting or overwriting.
func (s *Store) Replace(ctx context.Context, table string, doc feed.Value) (feed.Value, error) {
	m, err := s.mutate(ctx, table, func(tx *sql.Tx, info *TableInfo) (*mutation, error) {
		id, newDoc, newBody, err := canonical(doc, info.PrimaryKey)
		if err != nil {
			return nil, err
		}

		oldDoc, oldBody, err := getDoc(ctx, tx, table, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		if err := s.putDoc(ctx, tx, info, id, newDoc, newBody); err != nil {
			return nil, err
		}

		return &mutation{oldDoc: oldDoc, newDoc: newDoc, oldBody: oldBody, newBody: newBody}, nil
	})
	if err != nil {
		return nil, err
	}

	return m.newDoc, nil
}

// Update shallow-merges patch into an existing document. The primary key
// cannot be changed.
func (s *Store) Update(ctx context.Context, table, id string, patch feed.Value) (feed.Value, error) {
	m, err := s.mutate(ctx, table, func(tx *sql.Tx, info *TableInfo) (*mutation, error) {
		oldDoc, oldBody, err := getDoc(ctx, tx, table, id)
		if err != nil {
			return nil, err
		}

		merged := maps.Clone(oldDoc)
		maps.Copy(merged, patch)

		newID, newDoc, newBody, err := canonical(merged, info.PrimaryKey)
		if err != nil {
			return nil, err
		}

		if newID != id {
			return nil, fmt.Errorf("%w: cannot change primary key %q", ErrInvalidDocument, info.PrimaryKey)
		}

		if err := s.putDoc(ctx, tx, info, id, newDoc, newBody); err != nil {
			return nil, err
		}

		return &mutation{oldDoc: oldDoc, newDoc: newDoc, oldBody: oldBody, newBody: newBody}, nil
	})
	if err != nil {
		return nil, err
	}

	return m.newDoc, nil
}

// Delete removes a document and returns its last value.
func (s *Store) Delete(ctx context.Context, table, id string) (feed.Value, error) {
	m, err := s.mutate(ctx, table, func(tx *sql.Tx, _ *TableInfo) (*mutation, error) {
		oldDoc, oldBody, err := getDoc(ctx, tx, table, id)
		if err != nil {
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, sqlDeleteEntries, table, id); err != nil {
			return nil, fmt.Errorf("docstore: deleting index entries of %s/%s: %w", table, id, err)
		}

		if _, err := tx.ExecContext(ctx, sqlDeleteDoc, table, id); err != nil {
			return nil, fmt.Errorf("docstore: deleting %s/%s: %w", table, id, err)
		}

		return &mutation{oldDoc: oldDoc, oldBody: oldBody}, nil
	})
	if err != nil {
		return nil, err
	}

	return m.oldDoc, nil
}

// Get returns one document by primary key.
func (s *Store) Get(ctx context.Context, table, id string) (feed.Value, error) {
	if _, err := s.tableInfo(ctx, s.db, table); err != nil {
		return nil, err
	}

	doc, _, err := getDoc(ctx, s.db, table, id)

	return doc, err
}

// List returns every document of a table ordered by primary key.
func (s *Store) List(ctx context.Context, table string) ([]feed.Value, error) {
	if _, err := s.tableInfo(ctx, s.db, table); err != nil {
		return nil, err
	}

	return scanDocs(ctx, s.db, sqlListDocs, table)
}

// Query returns the documents q currently matches, each once, ordered by
// primary key.
func (s *Store) Query(ctx context.Context, q feed.Query) ([]feed.Value, error) {
	info, err := s.tableInfo(ctx, s.db, q.Table)
	if err != nil {
		return nil, err
	}

	spec, err := resolveIndex(info, q)
	if err != nil {
		return nil, err
	}

	return queryDocs(ctx, s.db, q.Table, spec, normalizeValues(q.Values))
}

// mutate runs fn in a write transaction and publishes the resulting
// change to open changefeeds after commit, still under the write lock.
func (s *Store) mutate(
	ctx context.Context, table string, fn func(tx *sql.Tx, info *TableInfo) (*mutation, error),
) (*mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("docstore: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	info, err := s.tableInfo(ctx, tx, table)
	if err != nil {
		return nil, err
	}

	m, err := fn(tx, info)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("docstore: committing write to %s: %w", table, err)
	}

	if m.oldBody != nil && bytes.Equal(m.oldBody, m.newBody) {
		s.logger.Debug("unchanged document not published", slog.String("table", table))
		return m, nil
	}

	s.hub.publish(table, m.oldDoc, m.newDoc)

	return m, nil
}

// putDoc upserts the row and rebuilds its index entries.
func (s *Store) putDoc(ctx context.Context, tx *sql.Tx, info *TableInfo, id string, doc feed.Value, body []byte) error {
	if _, err := tx.ExecContext(ctx, sqlUpsertDoc, info.Name, id, string(body), s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("docstore: writing %s/%s: %w", info.Name, id, err)
	}

	if _, err := tx.ExecContext(ctx, sqlDeleteEntries, info.Name, id); err != nil {
		return fmt.Errorf("docstore: clearing index entries of %s/%s: %w", info.Name, id, err)
	}

	for _, spec := range info.Indexes {
		if err := insertIndexEntries(ctx, tx, info.Name, id, spec, doc); err != nil {
			return err
		}
	}

	return nil
}

func insertIndexEntries(ctx context.Context, tx *sql.Tx, table, id string, spec IndexSpec, doc feed.Value) error {
	for _, key := range indexKeys(doc, spec) {
		if _, err := tx.ExecContext(ctx, sqlInsertEntry, table, spec.Name, key, id); err != nil {
			return fmt.Errorf("docstore: indexing %s/%s on %s: %w", table, id, spec.Name, err)
		}
	}

	return nil
}

// canonical round-trips doc through JSON so stored and published values
// have the same shape (numbers as float64, sorted keys in the body).
func canonical(doc feed.Value, pk string) (string, feed.Value, []byte, error) {
	if doc == nil {
		return "", nil, nil, fmt.Errorf("%w: document is null", ErrInvalidDocument)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	var out feed.Value
	if err := json.Unmarshal(body, &out); err != nil {
		return "", nil, nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	id, err := documentID(out, pk)
	if err != nil {
		return "", nil, nil, err
	}

	return id, out, body, nil
}

func getDoc(ctx context.Context, q querier, table, id string) (feed.Value, []byte, error) {
	var body string

	err := q.QueryRowContext(ctx, sqlGetDoc, table, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("docstore: reading %s/%s: %w", table, id, err)
	}

	doc, err := decodeBody(body)
	if err != nil {
		return nil, nil, fmt.Errorf("docstore: decoding %s/%s: %w", table, id, err)
	}

	return doc, []byte(body), nil
}

func scanDocs(ctx context.Context, q querier, query string, args ...any) ([]feed.Value, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: querying documents: %w", err)
	}
	defer rows.Close()

	var docs []feed.Value

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("docstore: scanning document: %w", err)
		}

		doc, err := decodeBody(body)
		if err != nil {
			return nil, fmt.Errorf("docstore: decoding document: %w", err)
		}

		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: querying documents: %w", err)
	}

	return docs, nil
}

// queryDocs returns the documents matching an index lookup, or the whole
// table when spec is nil.
func queryDocs(ctx context.Context, q querier, table string, spec *IndexSpec, values []string) ([]feed.Value, error) {
	if spec == nil {
		return scanDocs(ctx, q, sqlListDocs, table)
	}

	if len(values) == 0 {
		return nil, nil
	}

	args := []any{table, table, spec.Name}
	for _, v := range values {
		args = append(args, v)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")

	return scanDocs(ctx, q, fmt.Sprintf(sqlQueryIndex, placeholders), args...)
}

// resolveIndex returns the index a query uses, nil for a whole-table query.
func resolveIndex(info *TableInfo, q feed.Query) (*IndexSpec, error) {
	if q.Index == "" {
		return nil, nil
	}

	spec, ok := info.index(q.Index)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchIndex, q.Table, q.Index)
	}

	return &spec, nil
}

func decodeBody(body string) (feed.Value, error) {
	var doc feed.Value
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, err
	}

	return doc, nil
}

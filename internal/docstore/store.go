// Package docstore is a small JSON document store on SQLite with live
// changefeeds. Tables have a primary-key field and optional secondary
// indexes; a multi index matches a document once per element of an array
// field, so index queries can match one document through several paths.
// Store implements feed.Conn: every committed write is published to open
// cursors, one notification per match path, in commit order.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	stdsync "sync"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Sentinel errors.
var (
	ErrNoSuchTable     = errors.New("docstore: no such table")
	ErrTableExists     = errors.New("docstore: table already exists")
	ErrNoSuchIndex     = errors.New("docstore: no such index")
	ErrIndexExists     = errors.New("docstore: index already exists")
	ErrNotFound        = errors.New("docstore: document not found")
	ErrDuplicateKey    = errors.New("docstore: duplicate primary key")
	ErrInvalidDocument = errors.New("docstore: invalid document")
	ErrInvalidName     = errors.New("docstore: invalid name")
)

// DefaultPrimaryKey is used when a table is created without one.
const DefaultPrimaryKey = "id"

const memoryPath = ":memory:"

var validName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// SQL statements for table metadata.
const (
	sqlInsertTable = `INSERT INTO tables (name, primary_key, created_at) VALUES (?, ?, ?)`
	sqlSelectTable = `SELECT primary_key FROM tables WHERE name = ?`
	sqlListTables  = `SELECT name FROM tables ORDER BY name`
	sqlDeleteTable = `DELETE FROM tables WHERE name = ?`
	sqlInsertIndex = `INSERT INTO indexes (table_name, name, field, multi) VALUES (?, ?, ?, ?)`
	sqlListIndexes = `SELECT name, field, multi FROM indexes WHERE table_name = ? ORDER BY name`
	sqlCountDocs   = `SELECT COUNT(*) FROM documents WHERE table_name = ?`
)

// IndexSpec describes a secondary index on a top-level document field.
type IndexSpec struct {
	Name  string `json:"name"`
	Field string `json:"field"`
	Multi bool   `json:"multi,omitempty"`
}

// TableOptions configures CreateTable.
type TableOptions struct {
	PrimaryKey string
}

// TableInfo is the metadata of one table.
type TableInfo struct {
	Name       string      `json:"name"`
	PrimaryKey string      `json:"primary_key"`
	Indexes    []IndexSpec `json:"indexes,omitempty"`
	Documents  int         `json:"documents"`
}

func (t *TableInfo) index(name string) (IndexSpec, bool) {
	for _, ix := range t.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}

	return IndexSpec{}, false
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the document database. All writes are serialized; reads may
// run concurrently with each other.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests

	// mu serializes writes and changefeed registration so every cursor
	// sees a consistent snapshot followed by every later write.
	mu  stdsync.Mutex
	hub *hub
}

// Open opens (creating if needed) the SQLite database at path and applies
// migrations. The special path ":memory:" opens a private in-memory
// database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)
	if path == memoryPath {
		dsn = "file::memory:?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: opening database %s: %w", path, err)
	}

	// Single connection: one writer, and an in-memory database lives on
	// exactly one connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("document store opened", slog.String("db_path", path))

	return &Store{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
		hub:     newHub(logger),
	}, nil
}

// Close ends every open changefeed and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hub.endAll("document store closed")

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("docstore: closing database: %w", err)
	}

	return nil
}

// CreateTable creates an empty table.
func (s *Store) CreateTable(ctx context.Context, name string, opts TableOptions) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: table %q", ErrInvalidName, name)
	}

	pk := opts.PrimaryKey
	if pk == "" {
		pk = DefaultPrimaryKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.tableInfo(ctx, s.db, name); err == nil {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	} else if !errors.Is(err, ErrNoSuchTable) {
		return err
	}

	if _, err := s.db.ExecContext(ctx, sqlInsertTable, name, pk, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("docstore: creating table %s: %w", name, err)
	}

	s.logger.Info("table created", slog.String("table", name), slog.String("primary_key", pk))

	return nil
}

// DropTable deletes a table with its documents and indexes. Open
// changefeeds on the table fail with a stream error.
func (s *Store) DropTable(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, sqlDeleteTable, name)
	if err != nil {
		return fmt.Errorf("docstore: dropping table %s: %w", name, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, name)
	}

	s.hub.endTable(name, fmt.Sprintf("table %q was dropped", name))
	s.logger.Info("table dropped", slog.String("table", name))

	return nil
}

// Table returns the metadata of one table.
func (s *Store) Table(ctx context.Context, name string) (*TableInfo, error) {
	info, err := s.tableInfo(ctx, s.db, name)
	if err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, sqlCountDocs, name).Scan(&info.Documents); err != nil {
		return nil, fmt.Errorf("docstore: counting documents in %s: %w", name, err)
	}

	return info, nil
}

// ListTables returns the metadata of every table, sorted by name.
func (s *Store) ListTables(ctx context.Context) ([]TableInfo, error) {
	rows, err := s.db.QueryContext(ctx, sqlListTables)
	if err != nil {
		return nil, fmt.Errorf("docstore: listing tables: %w", err)
	}

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("docstore: scanning table name: %w", err)
		}

		names = append(names, name)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: listing tables: %w", err)
	}

	tables := make([]TableInfo, 0, len(names))

	for _, name := range names {
		info, err := s.Table(ctx, name)
		if err != nil {
			return nil, err
		}

		tables = append(tables, *info)
	}

	return tables, nil
}

// PrimaryKey returns the primary-key field of a table. It makes Store a
// feed.PrimaryKeyResolver.
func (s *Store) PrimaryKey(ctx context.Context, table string) (string, error) {
	info, err := s.tableInfo(ctx, s.db, table)
	if err != nil {
		return "", err
	}

	return info.PrimaryKey, nil
}

// CreateIndex adds a secondary index and indexes the existing documents.
func (s *Store) CreateIndex(ctx context.Context, table string, spec IndexSpec) error {
	if !validName.MatchString(spec.Name) {
		return fmt.Errorf("%w: index %q", ErrInvalidName, spec.Name)
	}

	if spec.Field == "" {
		return fmt.Errorf("%w: index %q has no field", ErrInvalidName, spec.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("docstore: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	info, err := s.tableInfo(ctx, tx, table)
	if err != nil {
		return err
	}

	if _, ok := info.index(spec.Name); ok {
		return fmt.Errorf("%w: %s.%s", ErrIndexExists, table, spec.Name)
	}

	if _, err := tx.ExecContext(ctx, sqlInsertIndex, table, spec.Name, spec.Field, spec.Multi); err != nil {
		return fmt.Errorf("docstore: creating index %s.%s: %w", table, spec.Name, err)
	}

	docs, err := scanDocs(ctx, tx, sqlListDocs, table)
	if err != nil {
		return err
	}

	for _, d := range docs {
		id, err := documentID(d, info.PrimaryKey)
		if err != nil {
			return err
		}

		if err := insertIndexEntries(ctx, tx, table, id, spec, d); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("docstore: committing index %s.%s: %w", table, spec.Name, err)
	}

	s.logger.Info("index created",
		slog.String("table", table),
		slog.String("index", spec.Name),
		slog.String("field", spec.Field),
		slog.Bool("multi", spec.Multi),
		slog.Int("documents", len(docs)),
	)

	return nil
}

// tableInfo loads table metadata without the document count.
func (s *Store) tableInfo(ctx context.Context, q querier, name string) (*TableInfo, error) {
	info := &TableInfo{Name: name}

	err := q.QueryRowContext(ctx, sqlSelectTable, name).Scan(&info.PrimaryKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchTable, name)
	}

	if err != nil {
		return nil, fmt.Errorf("docstore: loading table %s: %w", name, err)
	}

	rows, err := q.QueryContext(ctx, sqlListIndexes, name)
	if err != nil {
		return nil, fmt.Errorf("docstore: loading indexes of %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ix IndexSpec
		if err := rows.Scan(&ix.Name, &ix.Field, &ix.Multi); err != nil {
			return nil, fmt.Errorf("docstore: scanning index of %s: %w", name, err)
		}

		info.Indexes = append(info.Indexes, ix)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: loading indexes of %s: %w", name, err)
	}

	return info, nil
}

// Package dirload mirrors a directory of JSON files into a document store
// table. Each <name>.json file holds one document; a document without a
// primary-key field gets the file stem as its key. After the initial scan
// the loader follows filesystem events until its context ends, so editing,
// adding or deleting files drives the table's changefeed.
package dirload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/docwatch/internal/docstore"
	"github.com/tonimelisma/docwatch/internal/feed"
	"github.com/tonimelisma/docwatch/internal/watch"
)

// Default tunables.
const (
	DefaultDebounce = 100 * time.Millisecond
	fileExt         = ".json"
	scanWorkers     = 4
)

// Store is the subset of the document store the loader writes to.
type Store interface {
	Replace(ctx context.Context, table string, doc feed.Value) (feed.Value, error)
	Delete(ctx context.Context, table, id string) (feed.Value, error)
	List(ctx context.Context, table string) ([]feed.Value, error)
	PrimaryKey(ctx context.Context, table string) (string, error)
}

// Options configures a Loader.
type Options struct {
	Dir      string
	Table    string
	Debounce time.Duration // per-file quiet period before reloading; 0 means DefaultDebounce
	Logger   *slog.Logger
}

// loaderCounters holds atomic counters for Stats.
type loaderCounters struct {
	loaded  atomic.Int64
	deleted atomic.Int64
	skipped atomic.Int64
}

// Stats is a snapshot of loader activity.
type Stats struct {
	Loaded  int64
	Deleted int64
	Skipped int64
}

// Loader keeps one table in step with one directory. The table is owned
// by the loader: documents not backed by a file are deleted by Scan.
type Loader struct {
	store    Store
	dir      string
	table    string
	debounce time.Duration
	logger   *slog.Logger

	// Injectable for tests.
	watcherFactory func() (FsWatcher, error)
	sleepFunc      func(ctx context.Context, d time.Duration) error

	mu    stdsync.Mutex
	pk    string
	key   watch.KeyFunc
	files map[string]string // file name -> document id
	stats loaderCounters
}

// New creates a Loader. Nothing is read until Scan or Run.
func New(store Store, opts Options) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Loader{
		store:          store,
		dir:            opts.Dir,
		table:          opts.Table,
		debounce:       debounce,
		logger:         logger.With(slog.String("table", opts.Table)),
		watcherFactory: newFsnotifyWatcher,
		sleepFunc:      sleepCtx,
		files:          make(map[string]string),
	}
}

// Stats returns a snapshot of loader counters.
func (l *Loader) Stats() Stats {
	return Stats{
		Loaded:  l.stats.loaded.Load(),
		Deleted: l.stats.deleted.Load(),
		Skipped: l.stats.skipped.Load(),
	}
}

// parsed is the result of reading one file during a scan.
type parsed struct {
	name string
	doc  feed.Value
	err  error
}

// Scan loads every JSON file in the directory and deletes table documents
// that no file provides. Files that fail to parse are logged and skipped.
func (l *Loader) Scan(ctx context.Context) error {
	pk, err := l.store.PrimaryKey(ctx, l.table)
	if err != nil {
		return fmt.Errorf("dirload: resolving primary key of %s: %w", l.table, err)
	}

	l.mu.Lock()
	l.pk = pk
	l.key = watch.FieldKey(pk)
	l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("dirload: reading %s: %w", l.dir, err)
	}

	var names []string

	for _, e := range entries {
		if e.Type().IsRegular() && isDocFile(e.Name()) {
			names = append(names, e.Name())
		}
	}

	// Files are read and decoded concurrently, then written in name order.
	results := make([]parsed, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)

	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			doc, err := readDoc(filepath.Join(l.dir, name))
			results[i] = parsed{name: name, doc: doc, err: err}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("dirload: scan canceled: %w", err)
	}

	kept := make(map[string]bool)

	for _, r := range results {
		if r.err != nil {
			l.skip(r.name, r.err)
			continue
		}

		id, err := l.put(ctx, r.name, r.doc)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("dirload: scan canceled: %w", ctx.Err())
			}

			l.skip(r.name, err)

			continue
		}

		kept[id] = true
	}

	deleted, err := l.prune(ctx, kept)
	if err != nil {
		return err
	}

	l.logger.Info("directory scanned",
		slog.String("dir", l.dir),
		slog.Int("files", len(names)),
		slog.Int("documents", len(kept)),
		slog.Int("deleted", deleted),
	)

	return nil
}

// prune deletes every document of the table whose id is not in kept.
func (l *Loader) prune(ctx context.Context, kept map[string]bool) (int, error) {
	docs, err := l.store.List(ctx, l.table)
	if err != nil {
		return 0, fmt.Errorf("dirload: listing %s: %w", l.table, err)
	}

	deleted := 0

	for _, d := range docs {
		id, err := l.key(d)
		if err != nil || kept[id] {
			continue
		}

		if _, err := l.store.Delete(ctx, l.table, id); err != nil {
			return deleted, fmt.Errorf("dirload: deleting %s/%s: %w", l.table, id, err)
		}

		l.stats.deleted.Add(1)
		deleted++
	}

	return deleted, nil
}

// put writes one decoded file and records which document it produced.
func (l *Loader) put(ctx context.Context, name string, doc feed.Value) (string, error) {
	l.mu.Lock()
	pk, key := l.pk, l.key
	l.mu.Unlock()

	if _, ok := doc[pk]; !ok {
		doc = maps.Clone(doc)
		doc[pk] = stem(name)
	}

	id, err := key(doc)
	if err != nil {
		return "", err
	}

	// A file that now names a different document releases its old one.
	if prev, ok := l.fileDoc(name); ok && prev != id {
		if err := l.deleteDoc(ctx, prev); err != nil {
			return "", err
		}
	}

	if _, err := l.store.Replace(ctx, l.table, doc); err != nil {
		return "", err
	}

	l.mu.Lock()
	l.files[name] = id
	l.mu.Unlock()

	l.stats.loaded.Add(1)
	l.logger.Debug("document loaded", slog.String("file", name), slog.String("id", id))

	return id, nil
}

// sync reloads or removes one file after its debounce period.
func (l *Loader) sync(ctx context.Context, name string) {
	path := filepath.Join(l.dir, name)

	doc, err := readDoc(path)
	if errors.Is(err, os.ErrNotExist) {
		l.remove(ctx, name)
		return
	}

	if err != nil {
		l.skip(name, err)
		return
	}

	if _, err := l.put(ctx, name, doc); err != nil {
		l.skip(name, err)
	}
}

// remove deletes the document a vanished file provided.
func (l *Loader) remove(ctx context.Context, name string) {
	id, ok := l.fileDoc(name)
	if !ok {
		return
	}

	if err := l.deleteDoc(ctx, id); err != nil {
		l.logger.Warn("failed to delete document of removed file",
			slog.String("file", name),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	l.mu.Lock()
	delete(l.files, name)
	l.mu.Unlock()

	l.logger.Debug("document deleted", slog.String("file", name), slog.String("id", id))
}

func (l *Loader) deleteDoc(ctx context.Context, id string) error {
	_, err := l.store.Delete(ctx, l.table, id)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return err
	}

	l.stats.deleted.Add(1)

	return nil
}

func (l *Loader) fileDoc(name string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.files[name]

	return id, ok
}

// Files returns the tracked file names, sorted.
func (l *Loader) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Sorted(maps.Keys(l.files))
}

func (l *Loader) skip(name string, err error) {
	l.stats.skipped.Add(1)
	l.logger.Warn("skipping file",
		slog.String("file", name),
		slog.String("error", err.Error()),
	)
}

func readDoc(path string) (feed.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc feed.Value
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("dirload: decoding %s: %w", filepath.Base(path), err)
	}

	if doc == nil {
		return nil, fmt.Errorf("dirload: %s does not hold a JSON object", filepath.Base(path))
	}

	return doc, nil
}

// isDocFile reports whether name is a visible .json file.
func isDocFile(name string) bool {
	return strings.HasSuffix(name, fileExt) && !strings.HasPrefix(name, ".") && len(name) > len(fileExt)
}

func stem(name string) string {
	return strings.TrimSuffix(name, fileExt)
}

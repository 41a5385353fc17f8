package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/docwatch/internal/client"
	"github.com/tonimelisma/docwatch/internal/docstore"
	"github.com/tonimelisma/docwatch/internal/server"
	"github.com/tonimelisma/docwatch/internal/watch"
)

// newTestServer starts an API server over an in-memory store.
func newTestServer(t *testing.T) string {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	store, err := docstore.Open(t.Context(), memoryDB, logger)
	require.NoError(t, err)

	srv := server.New(store, server.Options{BufferTime: 10 * time.Millisecond, Logger: logger})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})

	return ts.URL
}

// runCLI executes the root command against serverURL with a config file
// that does not exist, so only defaults apply. It returns stdout.
func runCLI(t *testing.T, serverURL, stdin string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	base := []string{"-q", "--config", filepath.Join(t.TempDir(), "none.toml"), "--server", serverURL}

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(base, args...))

	err := cmd.Execute()

	return out.String(), err
}

func mustRunCLI(t *testing.T, serverURL, stdin string, args ...string) string {
	t.Helper()

	out, err := runCLI(t, serverURL, stdin, args...)
	require.NoError(t, err, "docwatch %s", strings.Join(args, " "))

	return out
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()

	var docs []map[string]any

	for line := range strings.Lines(out) {
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &doc), "line %q", line)

		docs = append(docs, doc)
	}

	return docs
}

func TestCLI_TableAndDocuments(t *testing.T) {
	url := newTestServer(t)

	out := mustRunCLI(t, url, "", "table", "create", "posts", "--pk", "slug")
	assert.JSONEq(t, `{"name":"posts","primary_key":"slug","documents":0}`, out)

	mustRunCLI(t, url, "", "table", "index", "posts", "tags", "--multi")

	out = mustRunCLI(t, url, `{"slug":"hello","tags":["go","sql"]}`, "put", "posts")
	assert.JSONEq(t, `{"slug":"hello","tags":["go","sql"]}`, out)

	mustRunCLI(t, url, `{"slug":"other","tags":["rust"]}`, "put", "posts", "-")

	// Inserting an existing key is a conflict.
	_, err := runCLI(t, url, `{"slug":"hello"}`, "put", "posts")
	require.ErrorIs(t, err, client.ErrConflict)

	out = mustRunCLI(t, url, `{"draft":true}`, "put", "posts", "--id", "hello", "--merge")
	assert.JSONEq(t, `{"slug":"hello","tags":["go","sql"],"draft":true}`, out)

	// A document matching through two tag values is listed once.
	out = mustRunCLI(t, url, "", "ls", "posts", "--index", "tags", "--value", "go", "--value", "sql")
	docs := decodeLines(t, out)
	require.Len(t, docs, 1)
	assert.Equal(t, "hello", docs[0]["slug"])

	out = mustRunCLI(t, url, "", "ls", "posts")
	assert.Len(t, decodeLines(t, out), 2)

	out = mustRunCLI(t, url, "", "get", "posts", "other")
	assert.JSONEq(t, `{"slug":"other","tags":["rust"]}`, out)

	out = mustRunCLI(t, url, "", "table", "ls")

	var tables []docstore.TableInfo
	require.NoError(t, json.Unmarshal([]byte(out), &tables))
	require.Len(t, tables, 1)
	assert.Equal(t, 2, tables[0].Documents)
	assert.Equal(t, []docstore.IndexSpec{{Name: "tags", Field: "tags", Multi: true}}, tables[0].Indexes)

	out = mustRunCLI(t, url, "", "rm", "posts", "other")
	assert.JSONEq(t, `{"slug":"other","tags":["rust"]}`, out)

	_, err = runCLI(t, url, "", "get", "posts", "other")
	require.ErrorIs(t, err, client.ErrNotFound)

	mustRunCLI(t, url, "", "table", "drop", "posts")

	_, err = runCLI(t, url, "", "ls", "posts")
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestCLI_PutFromFile(t *testing.T) {
	url := newTestServer(t)
	mustRunCLI(t, url, "", "table", "create", "notes")

	path := filepath.Join(t.TempDir(), "note.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"n1","body":"hi"}`), 0o600))

	out := mustRunCLI(t, url, "", "put", "notes", path)
	assert.JSONEq(t, `{"id":"n1","body":"hi"}`, out)

	// --id replaces whatever is stored under that key.
	out = mustRunCLI(t, url, `{"body":"bye"}`, "put", "notes", "--id", "n1")
	assert.JSONEq(t, `{"id":"n1","body":"bye"}`, out)
}

func TestCLI_UsageErrors(t *testing.T) {
	url := newTestServer(t)

	tests := []struct {
		name  string
		stdin string
		args  []string
		want  string
	}{
		{"merge without id", `{}`, []string{"put", "t", "--merge"}, "--merge requires --id"},
		{"not an object", `[1]`, []string{"put", "t"}, "decoding document from stdin"},
		{"null document", `null`, []string{"put", "t"}, "must be a JSON object"},
		{"value without index", "", []string{"ls", "t", "--value", "x"}, "--value requires --index"},
		{"index without value", "", []string{"watch", "t", "--index", "x"}, "--index requires at least one --value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, url, tt.stdin, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// firstWrite records output and calls fn once, after the first write.
type firstWrite struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	once sync.Once
	fn   func()
}

func (w *firstWrite) Write(p []byte) (int, error) {
	w.mu.Lock()
	n, err := w.buf.Write(p)
	w.mu.Unlock()

	w.once.Do(w.fn)

	return n, err
}

func (w *firstWrite) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buf.String()
}

func TestRunTail_InitialBatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"title":"A"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{"id":"bee","title":"B"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	out := &firstWrite{fn: cancel}
	cc := &CLIContext{
		Flags:  CLIFlags{JSON: true},
		Logger: slog.New(slog.DiscardHandler),
		Out:    out,
	}

	err := runTail(ctx, cc, tailOptions{
		dir:      dir,
		table:    "docs",
		pk:       "id",
		buffer:   10 * time.Millisecond,
		debounce: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	line, _, _ := strings.Cut(out.String(), "\n")

	var msg server.WatchMessage
	require.NoError(t, json.Unmarshal([]byte(line), &msg))

	assert.True(t, msg.Initial)
	assert.Equal(t, int64(1), msg.Seq)
	assert.ElementsMatch(t, []string{"a", "bee"}, msg.Updates.Keys())

	u, ok := msg.Updates.Get("a")
	require.True(t, ok)
	assert.Equal(t, watch.Add, u.Type)
	assert.Equal(t, "A", u.NewVal["title"])
}

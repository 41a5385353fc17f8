package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/docwatch/internal/feed"
	"github.com/tonimelisma/docwatch/internal/server"
	"github.com/tonimelisma/docwatch/internal/watch"
)

func init() {
	color.NoColor = true
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"NAME", "PK", "DOCS"}
	rows := [][]string{
		{"posts", "id", "12"},
		{"authors", "handle", "3"},
	}

	printTable(&buf, headers, rows)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "NAME     PK      DOCS", lines[0])
	assert.Equal(t, "posts    id      12", lines[1])
	assert.Equal(t, "authors  handle  3", lines[2])
}

func TestFormatIndexes(t *testing.T) {
	assert.Equal(t, "-", formatIndexes(nil))
}

func TestFormatEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry watch.Entry
		want  string
	}{
		{
			name:  "add",
			entry: watch.Entry{Key: "p1", Type: watch.Add, NewVal: feed.Value{"id": "p1", "n": 1}},
			want:  `+ p1 {"id":"p1","n":1}`,
		},
		{
			name: "change",
			entry: watch.Entry{
				Key: "p1", Type: watch.Change,
				OldVal: feed.Value{"id": "p1", "n": 1, "draft": true},
				NewVal: feed.Value{"id": "p1", "n": 2},
			},
			want: `~ p1 {"draft":null,"n":2}`,
		},
		{
			name:  "remove",
			entry: watch.Entry{Key: "p1", Type: watch.Remove, OldVal: feed.Value{"id": "p1"}},
			want:  "- p1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatEntry(tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergePatch_NoChange(t *testing.T) {
	patch, err := mergePatch(feed.Value{"a": 1}, feed.Value{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "{}", patch)
}

func TestChangePrinter_Text(t *testing.T) {
	var buf bytes.Buffer

	p := &changePrinter{w: &buf}

	b := watch.NewBatch()
	require.NoError(t, b.Merge("p1", watch.Update{Type: watch.Add, NewVal: feed.Value{"id": "p1"}}))
	require.NoError(t, b.Merge("p2", watch.Update{Type: watch.Remove, OldVal: feed.Value{"id": "p2"}}))

	require.NoError(t, p.printMessage(server.WatchMessage{Seq: 1, Initial: true, Updates: b}))
	require.NoError(t, p.printMessage(server.WatchMessage{Seq: 2, Updates: watch.NewBatch()}))

	assert.Equal(t, "--- initial: 2 update(s)\n+ p1 {\"id\":\"p1\"}\n- p2\n--- batch 2: 0 update(s)\n", buf.String())
}

func TestChangePrinter_RawChanges(t *testing.T) {
	var buf bytes.Buffer

	p := &changePrinter{w: &buf}

	changes := []feed.RawChange{
		{State: feed.StateInitializing},
		{NewVal: feed.Value{"id": "a"}},
		{OldVal: feed.Value{"id": "a", "n": 1}, NewVal: feed.Value{"id": "a", "n": 2}},
		{OldVal: feed.Value{"id": "a", "n": 2}},
		{Error: "table dropped"},
	}

	for _, ch := range changes {
		require.NoError(t, p.printChange(ch))
	}

	assert.Equal(t,
		"# initializing\n+ {\"id\":\"a\"}\n~ {\"n\":2}\n- {\"id\":\"a\",\"n\":2}\n! table dropped\n",
		buf.String())
}

func TestChangePrinter_JSON(t *testing.T) {
	var buf bytes.Buffer

	p := &changePrinter{w: &buf, json: true}

	b := watch.NewBatch()
	require.NoError(t, b.Merge("p1", watch.Update{Type: watch.Add, NewVal: feed.Value{"id": "p1"}}))
	require.NoError(t, p.printMessage(server.WatchMessage{Seq: 1, Initial: true, Updates: b}))
	require.NoError(t, p.printChange(feed.RawChange{State: feed.StateReady}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var msg server.WatchMessage
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &msg))
	assert.True(t, msg.Initial)
	assert.Equal(t, 1, msg.Updates.Len())

	assert.JSONEq(t, `{"state":"ready"}`, lines[1])
}

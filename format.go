package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/fatih/color"

	"github.com/tonimelisma/docwatch/internal/feed"
	"github.com/tonimelisma/docwatch/internal/server"
	"github.com/tonimelisma/docwatch/internal/watch"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// printJSON writes v as one line of JSON.
func printJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// Colors for update kinds. color.NoColor turns them off when stdout is
// not a terminal.
var (
	addColor    = color.New(color.FgGreen).SprintFunc()
	changeColor = color.New(color.FgYellow).SprintFunc()
	removeColor = color.New(color.FgRed).SprintFunc()
	metaColor   = color.New(color.Faint).SprintFunc()
)

// changePrinter renders watch batches and raw changes, as JSON lines or
// as colored text.
type changePrinter struct {
	w    io.Writer
	json bool
}

func newChangePrinter(cc *CLIContext) *changePrinter {
	return &changePrinter{w: cc.Out, json: cc.JSONOutput()}
}

// printMessage renders one watch message.
func (p *changePrinter) printMessage(msg server.WatchMessage) error {
	if p.json {
		return printJSON(p.w, msg)
	}

	label := fmt.Sprintf("batch %d", msg.Seq)
	if msg.Initial {
		label = "initial"
	}

	fmt.Fprintln(p.w, metaColor(fmt.Sprintf("--- %s: %d update(s)", label, msg.Updates.Len())))

	for _, e := range msg.Updates.Entries() {
		line, err := formatEntry(e)
		if err != nil {
			return err
		}

		fmt.Fprintln(p.w, line)
	}

	return nil
}

// formatEntry renders one update: "+ key {doc}" for adds, "~ key {patch}"
// with the JSON merge patch from old to new for changes, "- key" for
// removes.
func formatEntry(e watch.Entry) (string, error) {
	switch e.Type {
	case watch.Add:
		doc, err := compactJSON(e.NewVal)
		if err != nil {
			return "", err
		}

		return addColor("+ "+e.Key) + " " + doc, nil
	case watch.Change:
		patch, err := mergePatch(e.OldVal, e.NewVal)
		if err != nil {
			return "", err
		}

		return changeColor("~ "+e.Key) + " " + patch, nil
	case watch.Remove:
		return removeColor("- " + e.Key), nil
	default:
		return "", fmt.Errorf("unknown update type %v", e.Type)
	}
}

// printChange renders one raw changefeed entry.
func (p *changePrinter) printChange(ch feed.RawChange) error {
	if p.json {
		return printJSON(p.w, ch)
	}

	switch {
	case ch.Error != "":
		fmt.Fprintln(p.w, removeColor("! "+ch.Error))
	case ch.IsState():
		fmt.Fprintln(p.w, metaColor("# "+ch.State))
	case ch.OldVal == nil:
		doc, err := compactJSON(ch.NewVal)
		if err != nil {
			return err
		}

		fmt.Fprintln(p.w, addColor("+")+" "+doc)
	case ch.NewVal == nil:
		doc, err := compactJSON(ch.OldVal)
		if err != nil {
			return err
		}

		fmt.Fprintln(p.w, removeColor("-")+" "+doc)
	default:
		patch, err := mergePatch(ch.OldVal, ch.NewVal)
		if err != nil {
			return err
		}

		fmt.Fprintln(p.w, changeColor("~")+" "+patch)
	}

	return nil
}

func compactJSON(v feed.Value) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding document: %w", err)
	}

	return string(data), nil
}

// mergePatch returns the RFC 7386 merge patch turning oldVal into newVal.
func mergePatch(oldVal, newVal feed.Value) (string, error) {
	oldJSON, err := json.Marshal(oldVal)
	if err != nil {
		return "", fmt.Errorf("encoding old document: %w", err)
	}

	newJSON, err := json.Marshal(newVal)
	if err != nil {
		return "", fmt.Errorf("encoding new document: %w", err)
	}

	patch, err := jsonpatch.CreateMergePatch(oldJSON, newJSON)
	if err != nil {
		return "", fmt.Errorf("computing merge patch: %w", err)
	}

	return string(patch), nil
}

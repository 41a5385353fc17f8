package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docwatch/internal/feed"
)

func newPutCmd() *cobra.Command {
	var (
		id    string
		merge bool
	)

	cmd := &cobra.Command{
		Use:   "put TABLE [FILE|-]",
		Short: "Write a JSON document",
		Long: `Write one JSON object read from FILE, or from stdin when FILE is "-" or
omitted.

Without --id the document is inserted; its primary key is generated when
missing and an existing document with the same key is an error. With --id
the document replaces (or creates) that document, and with --id --merge
its top-level fields are merged into the existing one.

Examples:
  docwatch put posts post.json
  echo '{"title":"hi"}' | docwatch put posts
  echo '{"draft":false}' | docwatch put posts --id p1 --merge`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if merge && id == "" {
				return errors.New("--merge requires --id")
			}

			src := "-"
			if len(args) == 2 {
				src = args[1]
			}

			doc, err := readDocument(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			var written feed.Value

			switch {
			case merge:
				written, err = c.Update(cmd.Context(), args[0], id, doc)
			case id != "":
				written, err = c.Replace(cmd.Context(), args[0], id, doc)
			default:
				written, err = c.Insert(cmd.Context(), args[0], doc)
			}

			if err != nil {
				return err
			}

			return printJSON(cc.Out, written)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "primary key of the document to replace")
	cmd.Flags().BoolVar(&merge, "merge", false, "merge fields into the existing document (requires --id)")

	return cmd
}

// readDocument decodes one JSON object from path, or from stdin for "-".
func readDocument(stdin io.Reader, path string) (feed.Value, error) {
	r := stdin

	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening document: %w", err)
		}
		defer f.Close()

		r = f
	}

	var doc feed.Value

	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document from %s: %w", displaySource(path), err)
	}

	if doc == nil {
		return nil, fmt.Errorf("document from %s must be a JSON object", displaySource(path))
	}

	return doc, nil
}

func displaySource(path string) string {
	if path == "-" {
		return "stdin"
	}

	return path
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get TABLE ID",
		Short: "Print one document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			doc, err := c.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			return printJSON(cc.Out, doc)
		},
	}
}

func newLsCmd() *cobra.Command {
	var qf queryFlags

	cmd := &cobra.Command{
		Use:   "ls TABLE",
		Short: "List the documents of a table or an index query",
		Long: `Print the documents matching a query, one JSON object per line. A
document reached through several index values is printed once.

Examples:
  docwatch ls posts
  docwatch ls posts --index tags --value go`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			q, err := qf.query(args[0])
			if err != nil {
				return err
			}

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			docs, err := c.List(cmd.Context(), q)
			if err != nil {
				return err
			}

			for _, d := range docs {
				if err := printJSON(cc.Out, d); err != nil {
					return err
				}
			}

			if len(docs) == 0 {
				cc.Statusf("No documents.\n")
			}

			return nil
		},
	}

	qf.bind(cmd)

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm TABLE ID",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			old, err := c.Delete(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			if cc.JSONOutput() {
				return printJSON(cc.Out, old)
			}

			cc.Statusf("Deleted %s/%s\n", args[0], args[1])

			return nil
		},
	}
}

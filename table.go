package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/docwatch/internal/client"
	"github.com/tonimelisma/docwatch/internal/docstore"
)

func newTableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Manage tables and secondary indexes",
	}

	cmd.AddCommand(
		newTableCreateCmd(),
		newTableLsCmd(),
		newTableDropCmd(),
		newTableIndexCmd(),
	)

	return cmd
}

// newClient builds an API client for the configured server.
func newClient(cc *CLIContext) (*client.Client, error) {
	return client.New(cc.ServerURL(), nil, cc.Logger)
}

func newTableCreateCmd() *cobra.Command {
	var pk string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			info, err := c.CreateTable(cmd.Context(), args[0], pk)
			if err != nil {
				return err
			}

			if cc.JSONOutput() {
				return printJSON(cc.Out, info)
			}

			cc.Statusf("Created table %s (primary key %q)\n", info.Name, info.PrimaryKey)

			return nil
		},
	}

	cmd.Flags().StringVar(&pk, "pk", "", "primary-key field (default \""+docstore.DefaultPrimaryKey+"\")")

	return cmd
}

func newTableLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			tables, err := c.ListTables(cmd.Context())
			if err != nil {
				return err
			}

			if cc.JSONOutput() {
				if tables == nil {
					tables = []docstore.TableInfo{}
				}

				return printJSON(cc.Out, tables)
			}

			printTableInfos(cc, tables)

			return nil
		},
	}
}

func printTableInfos(cc *CLIContext, tables []docstore.TableInfo) {
	if len(tables) == 0 {
		cc.Statusf("No tables.\n")
		return
	}

	rows := make([][]string, 0, len(tables))

	for _, t := range tables {
		rows = append(rows, []string{t.Name, t.PrimaryKey, strconv.Itoa(t.Documents), formatIndexes(t.Indexes)})
	}

	printTable(cc.Out, []string{"NAME", "PK", "DOCS", "INDEXES"}, rows)
}

// formatIndexes renders indexes as "name(field)", with "*" marking
// multi-valued ones.
func formatIndexes(specs []docstore.IndexSpec) string {
	if len(specs) == 0 {
		return "-"
	}

	parts := make([]string, len(specs))

	for i, s := range specs {
		parts[i] = s.Name + "(" + s.Field + ")"
		if s.Multi {
			parts[i] += "*"
		}
	}

	return strings.Join(parts, ",")
}

func newTableDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop NAME",
		Short: "Drop a table and end its open streams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			if err := c.DropTable(cmd.Context(), args[0]); err != nil {
				return err
			}

			cc.Statusf("Dropped table %s\n", args[0])

			return nil
		},
	}
}

func newTableIndexCmd() *cobra.Command {
	var spec docstore.IndexSpec

	cmd := &cobra.Command{
		Use:   "index TABLE NAME",
		Short: "Create a secondary index on a document field",
		Long: `Create a secondary index. With --multi, an array field is indexed once
per element, so a document can match a query through several values.

Examples:
  docwatch table index posts author --field author
  docwatch table index posts tags --field tags --multi`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			spec.Name = args[1]
			if spec.Field == "" {
				spec.Field = spec.Name
			}

			c, err := newClient(cc)
			if err != nil {
				return err
			}

			info, err := c.CreateIndex(cmd.Context(), args[0], spec)
			if err != nil {
				return err
			}

			if cc.JSONOutput() {
				return printJSON(cc.Out, info)
			}

			cc.Statusf("Created index %s on %s.%s\n", spec.Name, info.Name, spec.Field)

			return nil
		},
	}

	cmd.Flags().StringVar(&spec.Field, "field", "", "document field to index (default: the index name)")
	cmd.Flags().BoolVar(&spec.Multi, "multi", false, "index each element of an array field")

	return cmd
}

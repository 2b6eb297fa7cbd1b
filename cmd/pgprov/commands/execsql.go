package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newExecSQLCommand(opts *globalOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "exec-sql [SQL]",
		Short: "Run SQL against the running server",
		Long: `Copy SQL to the run directory on the host and run it with psql as the
service account. The statements stop at the first error.

The SQL is taken from the argument, from --file, or from standard input
when the argument is "-".`,
		Example: `  # Inline statement
  pgprov exec-sql "CREATE TABLE t (id int);"

  # From a local file
  pgprov exec-sql --file schema.sql

  # From standard input
  cat schema.sql | pgprov exec-sql -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readSQL(cmd.InOrStdin(), file, args)
			if err != nil {
				return err
			}
			return withNode(cmd.Context(), opts, func(ctx context.Context, n *node) error {
				out, err := n.prov.ExecuteScript(ctx, sql)
				if out != "" {
					fmt.Fprint(cmd.OutOrStdout(), out)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read SQL from a local file")
	return cmd
}

func readSQL(stdin io.Reader, file string, args []string) (string, error) {
	switch {
	case file != "" && len(args) > 0:
		return "", fmt.Errorf("pass SQL either as an argument or with --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", file, err)
		}
		return string(data), nil
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read standard input: %w", err)
		}
		return string(data), nil
	case len(args) == 1:
		return args[0], nil
	}
	return "", fmt.Errorf("no SQL given")
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streetlift/meetd/internal/store"
)

// InitDBOptions holds flags for the initdb command.
type InitDBOptions struct {
	*RootOptions
	Database string
}

// NewInitDBCommand creates the initdb command.
func NewInitDBCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitDBOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "initdb",
		Short: "Create the local catalog schema",
		Long: `Create or migrate the local SQLite catalog.

Idempotent: running initdb against an existing database re-applies the
schema without touching data.

Example:
  meetd initdb --db ./meet.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(opts.Database)
			if err != nil {
				return WrapExitError(ExitFailure, "initialize database", err)
			}
			defer st.Close()

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return f.Success(fmt.Sprintf("database ready at %s", opts.Database))
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", envOr("MEETD_DB", "meet.db"), "path to the local SQLite database")

	return cmd
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streetlift/meetd/internal/archive"
	"github.com/streetlift/meetd/internal/store"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database string
	Remote   string
	Force    bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <meet-code>",
		Short: "Upload a finished meet to the archive",
		Long: `Upload one meet's results from the local catalog to the remote
archive: athletes, placements, per-lift bests, and promoted records.

Exit codes:
  0  synced
  1  failure, archive unchanged
  2  meet already archived (use --force to replace its results)

Example:
  meetd sync --db ./meet.db --remote ./archive.db REG-2026-04`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			meetCode := args[0]

			local, err := store.Open(opts.Database)
			if err != nil {
				return WrapExitError(ExitFailure, "open local catalog", err)
			}
			defer local.Close()

			remote, err := archive.Open(opts.Remote)
			if err != nil {
				return WrapExitError(ExitFailure, "open archive", err)
			}
			defer remote.Close()

			report, err := archive.NewResolver(local, remote).Sync(cmd.Context(), meetCode, opts.Force)
			if err != nil {
				if errors.Is(err, archive.ErrAlreadySynced) {
					return WrapExitError(ExitAlreadySynced, fmt.Sprintf("meet %s", meetCode), err)
				}
				return WrapExitError(ExitFailure, "sync", err)
			}

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if opts.Format == "json" {
				return f.Success(report)
			}
			return f.Success(fmt.Sprintf("synced %s: %d athletes, %d results, %d records promoted",
				report.MeetCode, report.Athletes, report.Results, report.RecordsPromoted))
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", envOr("MEETD_DB", "meet.db"), "path to the local SQLite database")
	cmd.Flags().StringVar(&opts.Remote, "remote", envOr("MEETD_REMOTE_DB", "archive.db"), "path to the archive SQLite database")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace results if the meet is already archived")

	return cmd
}

package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/streetlift/meetd/internal/broker"
	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/store"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Database      string
	MeetCode      string
	Role          string
	JudgeID       string
	TTL           time.Duration
	SigningSecret string
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a judge or the director",
		Long: `Mint the signed token a judge tablet or the director console presents
when joining the websocket. Judge roles are HEAD, LEFT and RIGHT;
DIRECTOR mints a director token. Viewers join without a token.

Example:
  meetd token --meet REG-2026-04 --role HEAD --judge-id tablet-1`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.SigningSecret == "" {
				return NewExitError(ExitFailure, "a signing secret is required (--signing-secret or MEETD_SIGNING_SECRET)")
			}
			if opts.Role != broker.RoleDirector && !meet.JudgeRole(opts.Role).Valid() {
				return NewExitError(ExitFailure, "role must be HEAD, LEFT, RIGHT or DIRECTOR")
			}

			st, err := store.Open(opts.Database)
			if err != nil {
				return WrapExitError(ExitFailure, "open local catalog", err)
			}
			defer st.Close()

			m, err := st.MeetByCode(cmd.Context(), opts.MeetCode)
			if err != nil {
				return WrapExitError(ExitFailure, "resolve meet", err)
			}

			token, err := broker.SignToken([]byte(opts.SigningSecret), opts.JudgeID, m.ID, opts.Role, opts.TTL)
			if err != nil {
				return WrapExitError(ExitFailure, "sign token", err)
			}

			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return f.Success(token)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", envOr("MEETD_DB", "meet.db"), "path to the local SQLite database")
	cmd.Flags().StringVar(&opts.MeetCode, "meet", "", "meet code the token is scoped to")
	cmd.Flags().StringVar(&opts.Role, "role", "", "HEAD, LEFT, RIGHT or DIRECTOR")
	cmd.Flags().StringVar(&opts.JudgeID, "judge-id", "", "device identifier embedded in judge tokens")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&opts.SigningSecret, "signing-secret", os.Getenv("MEETD_SIGNING_SECRET"), "HMAC secret for session tokens")
	cmd.MarkFlagRequired("meet")
	cmd.MarkFlagRequired("role")

	return cmd
}

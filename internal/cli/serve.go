package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/streetlift/meetd/internal/broker"
	"github.com/streetlift/meetd/internal/engine"
	"github.com/streetlift/meetd/internal/store"
	"github.com/streetlift/meetd/internal/tally"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database      string
	Bind          string
	CORSOrigin    string
	SigningSecret string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime meet server",
		Long: `Run the websocket server that drives a live meet: session join for
judges, director and viewers, command dispatch, and event fanout.

The persisted platform state is restored at startup, so a crashed or
restarted server resumes the meet where it stopped.

Example:
  MEETD_SIGNING_SECRET=... meetd serve --db ./meet.db --bind :8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.SigningSecret == "" {
				return NewExitError(ExitFailure, "a signing secret is required (--signing-secret or MEETD_SIGNING_SECRET)")
			}
			if err := runServe(cmd.Context(), opts); err != nil {
				return WrapExitError(ExitFailure, "serve", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", envOr("MEETD_DB", "meet.db"), "path to the local SQLite database")
	cmd.Flags().StringVar(&opts.Bind, "bind", envOr("MEETD_BIND", ":8080"), "listen address")
	cmd.Flags().StringVar(&opts.CORSOrigin, "cors-origin", envOr("MEETD_CORS_ORIGIN", ""), "allowed websocket origin (empty allows any)")
	cmd.Flags().StringVar(&opts.SigningSecret, "signing-secret", os.Getenv("MEETD_SIGNING_SECRET"), "HMAC secret for session tokens")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if opts.Verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := broker.NewHub(nil, st, []byte(opts.SigningSecret))
	eng := engine.New(st, tally.New(), hub)
	hub.SetCommands(eng)

	if err := eng.Restore(ctx); err != nil {
		return err
	}

	go hub.Run()

	srv := &http.Server{
		Addr:              opts.Bind,
		Handler:           hub.Router(opts.CORSOrigin),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", opts.Bind)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	// teardown in reverse order: stop accepting, drain the hub, then the
	// deferred store close
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	hub.Stop()
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/winklet/internal/relay"
)

const shutdownTimeout = 5 * time.Second

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Listen string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve push updates over websocket",
		Long: `Tail the SQLite database and push every new wink, match and message to
subscribed clients over websocket at /ws. Rows already in the database when
the relay starts are not pushed.

Examples:
  winklet relay
  winklet relay --listen 0.0.0.0:7420 --db /var/lib/winklet/winklet.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	listen := firstNonEmpty(opts.Listen, cfg.Relay.Listen)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	srv := relay.NewServer(st,
		relay.WithTailInterval(cfg.Relay.TailInterval),
		relay.WithOriginPatterns(cfg.Relay.OriginPatterns...),
	)
	defer srv.Close()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prime before serving so only rows written from now on are pushed
	if err := srv.Prime(ctx); err != nil {
		_ = ln.Close()
		return WrapExitError(ExitCommandError, "failed to prime relay", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("relay shutting down")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	slog.Info("relay listening", "addr", ln.Addr().String(), "db", st.Path())
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on ws://%s/ws\n", ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "relay error", err)
	}
	slog.Info("relay stopped gracefully")
	return nil
}

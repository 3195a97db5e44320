package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/winklet/internal/config"
	"github.com/roach88/winklet/internal/engine"
	"github.com/roach88/winklet/internal/push"
	"github.com/roach88/winklet/internal/relay"
	"github.com/roach88/winklet/internal/store"
)

// openStore opens the configured database, creating its directory if
// needed.
func openStore(cfg config.Config, opts ...store.Option) (*store.Store, error) {
	path, err := cfg.DatabasePath()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid database path", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create database directory", err)
	}

	slog.Debug("opening database", "path", path)
	st, err := store.Open(path, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// pushFor returns the push transport for a session: the relay client when
// relayURL is set, otherwise an in-process broker that the store publishes
// to. The returned func releases the transport.
func pushFor(relayURL string) (push.Subscriber, []store.Option, func(), error) {
	if relayURL == "" {
		broker := push.NewBroker()
		return broker, []store.Option{store.WithPublisher(broker)}, broker.Close, nil
	}

	client := relay.NewClient(relayURL)
	if err := client.Connect(); err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to connect to relay", err)
	}
	slog.Debug("connected to relay", "url", relayURL)
	return client, nil, func() { _ = client.Close() }, nil
}

// engineFunc runs against a started engine. No user is signed in yet.
type engineFunc func(ctx context.Context, eng *engine.Engine) error

// withEngine opens the store, runs an engine and calls fn. The engine loop
// and fn run in one errgroup: fn returning stops the engine, and the first
// error wins.
func withEngine(ctx context.Context, cfg config.Config, fn engineFunc) error {
	sub, storeOpts, release, err := pushFor(cfg.Relay.URL)
	if err != nil {
		return err
	}
	defer release()

	st, err := openStore(cfg, storeOpts...)
	if err != nil {
		return err
	}
	defer closeStore(st)

	eng := engine.New(st, sub, cfg.EngineOptions()...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// cancellation is a normal stop
		if err := eng.Run(gctx); err != nil && gctx.Err() == nil {
			return WrapExitError(ExitCommandError, "engine error", err)
		}
		return nil
	})
	g.Go(func() error {
		defer eng.Stop()
		return fn(gctx, eng)
	})
	return g.Wait()
}

// signIn binds eng to user.
func signIn(eng *engine.Engine, user string) error {
	if err := eng.SignIn(user); err != nil {
		return engineExit("sign in failed", err)
	}
	return nil
}

// engineExit maps an engine error to an exit error: rejected input exits
// with ExitFailure, storage and push failures with ExitCommandError.
func engineExit(message string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case engine.IsValidation(err), engine.IsNotFound(err):
		return WrapExitError(ExitFailure, message, err)
	default:
		return WrapExitError(ExitCommandError, message, err)
	}
}

// errorCode returns the engine error code of err, or "ERROR".
func errorCode(err error) string {
	var e *engine.Error
	if errors.As(err, &e) {
		return string(e.Code)
	}
	return "ERROR"
}

// reportError writes err through f and returns the matching exit error.
func reportError(f *OutputFormatter, message string, err error) error {
	exitErr := engineExit(message, err)
	if f.Format == "json" {
		if werr := f.Error(errorCode(err), fmt.Sprintf("%s: %v", message, err), nil); werr != nil {
			return werr
		}
	}
	return exitErr
}

// commandContext returns the command's context, or Background.
func commandContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

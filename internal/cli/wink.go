package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/winklet/internal/engine"
	"github.com/roach88/winklet/internal/model"
)

// WinkOptions holds flags for the wink command.
type WinkOptions struct {
	*RootOptions
	User         string
	Lat          float64
	Lng          float64
	Radius       int
	MinuteOffset int
}

// NewWinkCommand creates the wink command.
func NewWinkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WinkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "wink",
		Short: "Submit a wink",
		Long: `Submit a wink for a user: a place, a radius and a minute offset in
[-10, 0] shifting when it was observed into the past.

The radius must be one of the configured allowed radii.

Examples:
  winklet wink --user alice --lat 51.5074 --lng -0.1278 --radius 200
  winklet wink --user alice --lat 51.5 --lng -0.1 --offset -5 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWink(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user submitting the wink (required)")
	cmd.Flags().Float64Var(&opts.Lat, "lat", 0, "latitude in degrees")
	cmd.Flags().Float64Var(&opts.Lng, "lng", 0, "longitude in degrees")
	cmd.Flags().IntVar(&opts.Radius, "radius", 100, "radius in meters")
	cmd.Flags().IntVar(&opts.MinuteOffset, "offset", 0, "minute offset of the observation, -10 to 0")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runWink(opts *WinkOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	f := NewOutputFormatter(opts.RootOptions, cmd)

	return withEngine(commandContext(cmd.Context()), cfg, func(ctx context.Context, eng *engine.Engine) error {
		if err := signIn(eng, opts.User); err != nil {
			return err
		}
		w, err := eng.SubmitWink(ctx, engine.WinkInput{
			OwnerID:      opts.User,
			Lat:          opts.Lat,
			Lng:          opts.Lng,
			RadiusMeters: opts.Radius,
			MinuteOffset: opts.MinuteOffset,
		})
		if err != nil {
			return reportError(f, "wink rejected", err)
		}
		return f.Emit(w, func(out io.Writer) {
			fmt.Fprintf(out, "✓ wink %s\n", w.ID)
			printWink(out, w)
		})
	})
}

// WinksOptions holds flags for the winks command.
type WinksOptions struct {
	*RootOptions
	User string
}

// NewWinksCommand creates the winks command.
func NewWinksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WinksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "winks",
		Short: "List a user's winks",
		Long: `List a user's winks, newest first.

Examples:
  winklet winks --user alice
  winklet winks --user alice --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWinks(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "owner of the winks (required)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runWinks(opts *WinksOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	winks, err := st.ListWinks(commandContext(cmd.Context()), opts.User)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list winks", err)
	}
	if winks == nil {
		winks = []model.Wink{}
	}

	return NewOutputFormatter(opts.RootOptions, cmd).Emit(winks, func(out io.Writer) {
		if len(winks) == 0 {
			fmt.Fprintf(out, "No winks for %s.\n", opts.User)
			return
		}
		for _, w := range winks {
			fmt.Fprintf(out, "%s  ", w.ID)
			printWink(out, w)
		}
	})
}

func printWink(out io.Writer, w model.Wink) {
	fmt.Fprintf(out, "%s  r=%dm  observed %s\n",
		model.FormatCoords(w.Lat, w.Lng), w.RadiusMeters, w.ObservedAt.Format(time.RFC3339))
}

// MatchOptions holds flags for the match command.
type MatchOptions struct {
	*RootOptions
	Wink  string
	UserA string
	UserB string
}

// NewMatchCommand creates the match command.
func NewMatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Record a match between two users",
		Long: `Record a match between two users on a wink, the way the server-side
matcher does. Sessions of either user connected through a relay are
notified.

Example:
  winklet match --wink 0192f0c4-... --user-a alice --user-b bob`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Wink, "wink", "", "wink the match is located at (required)")
	cmd.Flags().StringVar(&opts.UserA, "user-a", "", "first matched user (required)")
	cmd.Flags().StringVar(&opts.UserB, "user-b", "", "second matched user (required)")
	_ = cmd.MarkFlagRequired("wink")
	_ = cmd.MarkFlagRequired("user-a")
	_ = cmd.MarkFlagRequired("user-b")

	return cmd
}

func runMatch(opts *MatchOptions, cmd *cobra.Command) error {
	if opts.UserA == opts.UserB {
		return NewExitError(ExitFailure, "a match needs two different users")
	}
	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := commandContext(cmd.Context())
	if _, found, err := st.GetWink(ctx, opts.Wink); err != nil {
		return WrapExitError(ExitCommandError, "failed to look up wink", err)
	} else if !found {
		return NewExitError(ExitFailure, fmt.Sprintf("wink not found: %s", opts.Wink))
	}

	m, err := st.InsertMatch(ctx, model.MatchDraft{WinkID: opts.Wink, UserA: opts.UserA, UserB: opts.UserB})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to insert match", err)
	}

	return NewOutputFormatter(opts.RootOptions, cmd).Emit(m, func(out io.Writer) {
		fmt.Fprintf(out, "✓ match %s: %s and %s on wink %s\n", m.ID, m.UserA, m.UserB, m.WinkID)
	})
}

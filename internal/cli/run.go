package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/winklet/internal/engine"
	"github.com/roach88/winklet/internal/model"
)

// settleTimeout bounds the wait for in-flight engine work before a shell
// command runs.
const settleTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	User  string
	Relay string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive session",
		Long: `Start the sync engine signed in as a user and read commands from stdin.

New matches and chat messages are printed as they arrive. Without --relay the
engine receives pushes only for writes made by this process; with --relay it
connects to a winklet relay and sees writes from every process.

Commands:
  wink <lat> <lng> <radius> [offset]   submit a wink
  winks                                list your winks
  matches                              list your matches
  open <match>                         open a chat and follow it
  send <match> <text...>               post a message to an open chat
  refresh [match]                      re-fetch an open chat, or your winks and matches
  close <match>                        close a chat
  ack <match>|all                      acknowledge match notifications
  status                               show engine state
  quit                                 end the session

Example:
  winklet run --user alice
  winklet run --user alice --relay ws://127.0.0.1:7420/ws`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user to sign in as (required)")
	cmd.Flags().StringVar(&opts.Relay, "relay", "", "relay websocket URL (overrides config)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runSession(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Relay != "" {
		cfg.Relay.URL = opts.Relay
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd.Context()))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	out := &syncWriter{w: cmd.OutOrStdout()}
	return withEngine(ctx, cfg, func(ctx context.Context, eng *engine.Engine) error {
		sh := newShell(eng, opts.User, out)
		eng.OnNewMatch(sh.newMatch)
		if err := signIn(eng, opts.User); err != nil {
			return err
		}
		fmt.Fprintf(out, "Signed in as %s. Type help for commands.\n", opts.User)

		err := sh.serve(ctx, cmd.InOrStdin())
		sh.closeAll()
		return err
	})
}

// syncWriter serializes writes from the shell and engine callbacks.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// shell executes line commands against a signed-in engine.
type shell struct {
	eng  *engine.Engine
	user string
	out  io.Writer

	// Shell goroutine only
	chats map[string]*engine.Session
}

func newShell(eng *engine.Engine, user string, out io.Writer) *shell {
	return &shell{
		eng:   eng,
		user:  user,
		out:   out,
		chats: make(map[string]*engine.Session),
	}
}

func (sh *shell) newMatch(nm engine.NewMatch) {
	where := nm.Coords()
	if where == "" {
		where = "an unknown place"
	}
	fmt.Fprintf(sh.out, "★ new match %s with %s at %s\n", nm.MatchID, nm.CounterpartyID, where)
}

// serve reads commands from in until quit, EOF or ctx is done.
func (sh *shell) serve(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return WrapExitError(ExitCommandError, "failed to read input", err)
				}
				return nil
			}
			if quit := sh.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line. Command errors are printed, not returned.
func (sh *shell) exec(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	// let pushes and fetches land so output reflects them
	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	_ = sh.eng.Settle(settleCtx)
	cancel()

	var err error
	switch name, args := fields[0], fields[1:]; name {
	case "quit", "exit":
		return true
	case "help":
		sh.help()
	case "wink":
		err = sh.wink(ctx, args)
	case "winks":
		sh.winks()
	case "matches":
		sh.matches()
	case "open":
		err = sh.open(ctx, args)
	case "send":
		err = sh.send(ctx, args)
	case "refresh":
		err = sh.refresh(ctx, args)
	case "close":
		err = sh.closeChat(args)
	case "ack":
		err = sh.ack(args)
	case "status":
		err = sh.status()
	default:
		err = fmt.Errorf("unknown command %q (try help)", name)
	}
	if err != nil {
		fmt.Fprintf(sh.out, "✗ %v\n", err)
	}
	return false
}

func (sh *shell) help() {
	fmt.Fprintln(sh.out, "commands: wink winks matches open send refresh close ack status quit")
}

func (sh *shell) wink(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return fmt.Errorf("usage: wink <lat> <lng> <radius> [offset]")
	}
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid latitude %q", args[0])
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid longitude %q", args[1])
	}
	radius, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid radius %q", args[2])
	}
	offset := 0
	if len(args) == 4 {
		if offset, err = strconv.Atoi(args[3]); err != nil {
			return fmt.Errorf("invalid offset %q", args[3])
		}
	}

	w, err := sh.eng.SubmitWink(ctx, engine.WinkInput{
		OwnerID:      sh.user,
		Lat:          lat,
		Lng:          lng,
		RadiusMeters: radius,
		MinuteOffset: offset,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "✓ wink %s\n", w.ID)
	return nil
}

// refresh re-fetches one open chat, or both feeds when no match is given.
func (sh *shell) refresh(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return sh.withChat(args, func(s *engine.Session) error { return s.Refresh(ctx) })
	}
	if err := sh.eng.RefreshWinks(ctx); err != nil {
		return err
	}
	if err := sh.eng.RefreshMatches(ctx); err != nil {
		return err
	}
	fmt.Fprintln(sh.out, "✓ winks and matches refreshed")
	return nil
}

func (sh *shell) winks() {
	if err := sh.eng.WinksErr(); err != nil {
		fmt.Fprintf(sh.out, "! winks may be out of date: %v\n", err)
	}
	winks := sh.eng.ListWinks()
	if len(winks) == 0 {
		fmt.Fprintln(sh.out, "No winks yet.")
		return
	}
	for _, w := range winks {
		fmt.Fprintf(sh.out, "%s  ", w.ID)
		printWink(sh.out, w)
	}
}

func (sh *shell) matches() {
	if err := sh.eng.MatchesErr(); err != nil {
		fmt.Fprintf(sh.out, "! matches may be out of date: %v\n", err)
	}
	matches := sh.eng.Matches()
	if len(matches) == 0 {
		fmt.Fprintln(sh.out, "No matches yet.")
		return
	}
	for _, m := range matches {
		fmt.Fprintf(sh.out, "%s  with %s  %s\n", m.MatchID, m.CounterpartyID, m.Coords())
	}
}

func (sh *shell) open(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: open <match>")
	}
	matchID := args[0]
	if _, ok := sh.chats[matchID]; ok {
		return fmt.Errorf("chat %s is already open", matchID)
	}

	s, err := sh.eng.OpenChat(ctx, matchID)
	if err != nil {
		return err
	}
	// Register before the fetch lands so the backlog is printed too. A
	// fetch that already landed is printed from the transcript instead.
	var (
		mu      sync.Mutex
		printed = make(map[string]struct{})
	)
	show := func(m model.Message) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := printed[m.ID]; ok {
			return
		}
		printed[m.ID] = struct{}{}
		fmt.Fprintf(sh.out, "%s ", m.MatchID)
		printMessage(sh.out, m)
	}
	s.OnMessage(show)
	if err := waitReady(ctx, s); err != nil {
		s.Close()
		return err
	}
	for _, m := range s.Transcript() {
		show(m)
	}

	sh.chats[matchID] = s
	fmt.Fprintf(sh.out, "✓ chat %s open (%s)\n", matchID, s.State())
	return nil
}

func (sh *shell) send(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <match> <text...>")
	}
	return sh.withChat(args[:1], func(s *engine.Session) error {
		_, err := s.Send(ctx, strings.Join(args[1:], " "))
		return err
	})
}

func (sh *shell) withChat(args []string, fn func(*engine.Session) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one match id")
	}
	s, ok := sh.chats[args[0]]
	if !ok {
		return fmt.Errorf("chat %s is not open", args[0])
	}
	return fn(s)
}

func (sh *shell) closeChat(args []string) error {
	return sh.withChat(args, func(s *engine.Session) error {
		s.Close()
		delete(sh.chats, s.MatchID())
		fmt.Fprintf(sh.out, "✓ chat %s closed\n", s.MatchID())
		return nil
	})
}

func (sh *shell) closeAll() {
	for id, s := range sh.chats {
		s.Close()
		delete(sh.chats, id)
	}
}

func (sh *shell) ack(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ack <match>|all")
	}
	if args[0] == "all" {
		sh.eng.AcknowledgeAll()
	} else {
		sh.eng.AcknowledgeMatch(args[0])
	}
	fmt.Fprintf(sh.out, "✓ acknowledged (flag %v)\n", sh.eng.NotificationFlag())
	return nil
}

func (sh *shell) status() error {
	data, err := json.MarshalIndent(sh.eng.Status(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(sh.out, string(data))
	return nil
}

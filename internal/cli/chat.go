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

// ChatOptions holds flags for the chat command.
type ChatOptions struct {
	*RootOptions
	User string
	Send string
}

// ChatOutput is the JSON payload of the chat command.
type ChatOutput struct {
	Match    model.Match     `json:"match"`
	State    string          `json:"state"`
	Sent     *model.Message  `json:"sent,omitempty"`
	Messages []model.Message `json:"messages"`
}

// NewChatCommand creates the chat command.
func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChatOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chat <match-id>",
		Short: "Print a chat transcript",
		Long: `Open the chat of a match as a user and print its transcript in order.
With --send, the message is posted first and appears in the transcript.

Examples:
  winklet chat 0192f0c5-... --user alice
  winklet chat 0192f0c5-... --user alice --send "coffee at 5?"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user reading the chat (required)")
	cmd.Flags().StringVar(&opts.Send, "send", "", "message to post before printing")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runChat(opts *ChatOptions, matchID string, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	f := NewOutputFormatter(opts.RootOptions, cmd)

	return withEngine(commandContext(cmd.Context()), cfg, func(ctx context.Context, eng *engine.Engine) error {
		if err := signIn(eng, opts.User); err != nil {
			return err
		}
		session, err := eng.OpenChat(ctx, matchID)
		if err != nil {
			return reportError(f, "failed to open chat", err)
		}
		defer session.Close()

		if err := waitReady(ctx, session); err != nil {
			return err
		}
		if err := session.Err(); err != nil {
			return reportError(f, "failed to load transcript", err)
		}

		out := ChatOutput{Match: session.Match()}
		if opts.Send != "" {
			msg, err := session.Send(ctx, opts.Send)
			if err != nil {
				return reportError(f, "message rejected", err)
			}
			out.Sent = &msg
		}
		out.State = string(session.State())
		out.Messages = session.Transcript()
		if out.Messages == nil {
			out.Messages = []model.Message{}
		}

		return f.Emit(out, func(w io.Writer) {
			m := out.Match
			fmt.Fprintf(w, "chat %s with %s\n", m.ID, m.Counterparty(opts.User))
			if len(out.Messages) == 0 {
				fmt.Fprintln(w, "No messages yet.")
			}
			for _, msg := range out.Messages {
				printMessage(w, msg)
			}
		})
	})
}

// waitReady blocks until the session's initial fetch has completed.
func waitReady(ctx context.Context, s *engine.Session) error {
	select {
	case <-s.Ready():
		return nil
	case <-ctx.Done():
		return WrapExitError(ExitCommandError, "chat did not load", ctx.Err())
	}
}

func printMessage(w io.Writer, msg model.Message) {
	fmt.Fprintf(w, "[%s] %s: %s\n", msg.CreatedAt.Local().Format(time.Kitchen), msg.SenderID, msg.Content)
}

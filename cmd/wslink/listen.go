package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/lightforgemedia/go-wslink/pkg/client"
	"github.com/lightforgemedia/go-wslink/pkg/envelope"
	"github.com/spf13/cobra"
)

func stateColor(s client.State) lipgloss.Color {
	switch s {
	case client.StateConnected:
		return lipgloss.Color("2") // green
	case client.StateConnecting:
		return lipgloss.Color("3") // yellow
	case client.StateError:
		return lipgloss.Color("1") // red
	default:
		return lipgloss.Color("8") // grey
	}
}

func formatState(ev client.StateEvent) string {
	label := lipgloss.NewStyle().Bold(true).Foreground(stateColor(ev.Current)).Render(ev.Current.String())
	line := fmt.Sprintf("state %s -> %s", ev.Previous, label)
	if ev.Code != 0 {
		line += fmt.Sprintf(" code=%d", ev.Code)
	}
	if ev.Err != nil {
		line += " error=" + ev.Err.Error()
	}
	return line
}

func newListenCmd(app *cli) *cobra.Command {
	var duration time.Duration
	var quiet bool

	cmd := &cobra.Command{
		Use:   "listen [tag...]",
		Short: "Print inbound frames of the given types until interrupted",
		Long: `Listen connects and prints every inbound frame whose type matches one of
the given tags as one JSON line on stdout. Without tags it listens for chat
messages. Connection state changes go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tags := args
			if len(tags) == 0 {
				tags = []string{client.TagSendMessage}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			dialCtx, cancelDial := context.WithTimeout(ctx, app.cfg.ConnectTimeout.Std()+time.Second)
			c, closeClient, err := app.connect(dialCtx)
			cancelDial()
			if err != nil {
				return err
			}
			defer closeClient()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			for _, tag := range tags {
				if _, err := c.Listen(tag, func(env *envelope.Envelope) error {
					frame, err := envelope.Encode(env)
					if err != nil {
						return err
					}
					out.println(string(frame))
					return nil
				}); err != nil {
					return err
				}
			}

			events, unsubscribe := c.SubscribeState()
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if !quiet {
						fmt.Fprintln(cmd.ErrOrStderr(), formatState(ev))
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long, 0 runs until interrupted")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print state changes")
	return cmd
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) println(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightforgemedia/go-wslink/pkg/envelope"
	"github.com/spf13/cobra"
)

func newSendCmd(app *cli) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "send <tag> [json-data]",
		Short: "Send an envelope, or make a request with --wait",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("data is not valid JSON: %s", args[1])
				}
				data = json.RawMessage(args[1])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), app.cfg.ConnectTimeout.Std()+app.cfg.RequestTimeout.Std()+time.Second)
			defer cancel()
			c, closeClient, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer closeClient()

			if wait {
				resp, err := c.Request(ctx, args[0], data)
				if err != nil {
					return err
				}
				frame, err := envelope.Encode(resp)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(frame))
				return nil
			}

			env, err := envelope.New(args[0], data)
			if err != nil {
				return err
			}
			if err := c.Send(env); err != nil {
				return fmt.Errorf("failed to send %s: %w", args[0], err)
			}
			app.logger.Debug("Sent", "tag", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "attach a requestId and print the response")
	return cmd
}

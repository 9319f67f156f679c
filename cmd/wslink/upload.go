package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newUploadCmd(app *cli) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file over the socket and print its URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), app.cfg.ConnectTimeout.Std()+app.cfg.RequestTimeout.Std()+time.Second)
			defer cancel()
			c, closeClient, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer closeClient()

			url, err := c.UploadFile(ctx, args[0], kind)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "file", "upload type, e.g. file or image")
	return cmd
}

func newMessageCmd(app *cli) *cobra.Command {
	var kind, attach string

	cmd := &cobra.Command{
		Use:   "message <to-user> [content]",
		Short: "Send a chat message, optionally with an attachment",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 && attach == "" {
				return fmt.Errorf("content or --attach is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), app.cfg.ConnectTimeout.Std()+app.cfg.RequestTimeout.Std()+time.Second)
			defer cancel()
			c, closeClient, err := app.connect(ctx)
			if err != nil {
				return err
			}
			defer closeClient()

			if attach != "" {
				url, err := c.SendAttachment(ctx, args[0], attach, kind)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), url)
				return nil
			}
			return c.SendMessage(args[0], args[1], kind)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "text", "message type, e.g. text, image or file")
	cmd.Flags().StringVar(&attach, "attach", "", "file to upload and send")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lightforgemedia/go-wslink/pkg/client"
	"github.com/lightforgemedia/go-wslink/pkg/config"
	"github.com/spf13/cobra"
)

const wslinkVersion = "0.1.0"

// cli holds the global flags and the state built in PersistentPreRunE.
type cli struct {
	cfgFile   string
	url       string
	token     string
	transport string
	logLevel  string
	watch     bool

	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger
	stderr  io.Writer
}

func newRootCmd() *cobra.Command {
	app := &cli{stderr: os.Stderr}

	root := &cobra.Command{
		Use:   "wslink",
		Short: "wslink talks to a message server over a persistent WebSocket",
		Long: `wslink connects to a message server, keeps the connection alive with
heartbeats and reconnects, and lets you listen for frames, send envelopes,
make requests and upload files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&app.cfgFile, "config", "", "config file (default is ~/.wslink/config.yaml)")
	flags.StringVar(&app.url, "url", "", "server URL, e.g. ws://localhost:8561")
	flags.StringVar(&app.token, "token", "", "credential stamped on outgoing envelopes")
	flags.StringVar(&app.transport, "transport", "", "websocket implementation: coder or gorilla")
	flags.StringVar(&app.logLevel, "log-level", "", "debug, info, warn or error")
	flags.BoolVar(&app.watch, "watch", false, "reload the token when the config file changes")

	root.AddCommand(
		newListenCmd(app),
		newSendCmd(app),
		newUploadCmd(app),
		newMessageCmd(app),
		newVersionCmd(),
	)
	return root
}

func (app *cli) setup(cmd *cobra.Command) error {
	app.cfgPath = app.cfgFile
	if app.cfgPath == "" {
		app.cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(app.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags win over the file.
	if app.url != "" {
		cfg.URL = app.url
	}
	if app.token != "" {
		cfg.Token = app.token
	}
	if app.transport != "" {
		cfg.Transport = app.transport
	}
	if app.logLevel != "" {
		cfg.LogLevel = app.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	app.logger = slog.New(slog.NewTextHandler(app.stderr, &slog.HandlerOptions{Level: level}))
	app.cfg = cfg
	return nil
}

// connect dials the configured server. With --watch the token follows the
// config file; the returned stop function ends the watch.
func (app *cli) connect(ctx context.Context) (*client.Client, func(), error) {
	c, err := client.Dial(ctx, app.cfg.URL, app.cfg.Options(app.logger).Apply()...)
	if err != nil {
		return nil, nil, err
	}
	stop := func() { c.Close() }
	if !app.watch {
		return c, stop, nil
	}

	stopWatch, err := config.WatchToken(app.cfgPath, app.logger, func(token string) {
		if app.token != "" {
			// An explicit --token is not overridden by the file.
			return
		}
		app.logger.Info("Token reloaded", "path", app.cfgPath)
		c.SetToken(token)
	})
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("failed to watch %s: %w", app.cfgPath, err)
	}
	return c, func() {
		stopWatch()
		c.Close()
	}, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the wslink version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "wslink version %s\n", wslinkVersion)
			return nil
		},
	}
}

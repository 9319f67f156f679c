// devserver/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wslink/pkg/devserver"
	"github.com/lightforgemedia/go-wslink/pkg/envelope"
)

func main() {
	addr := flag.String("addr", ":8561", "listen address")
	ping := flag.Duration("ping", 15*time.Second, "server PING interval, 0 disables")
	announce := flag.Duration("announce", 0, "broadcast a server announcement at this interval, 0 disables")
	publicURL := flag.String("public-url", "", "base URL used in upload responses")
	natsURL := flag.String("nats", "", "NATS server URL; relays frames between dev servers sharing it")
	natsSubject := flag.String("nats-subject", devserver.DefaultClusterSubject, "NATS subject for the relay")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	srv := devserver.New(
		devserver.WithLogger(logger),
		devserver.WithAcceptOptions(&websocket.AcceptOptions{OriginPatterns: []string{"localhost:*", "127.0.0.1:*"}}),
		devserver.WithPingInterval(*ping),
		devserver.WithPublicURL(*publicURL),
	)

	if *natsURL != "" {
		if err := srv.JoinCluster(*natsURL, *natsSubject); err != nil {
			logger.Error("Failed to join cluster", "error", err)
			os.Exit(1)
		}
	}

	announceCtx, cancelAnnounce := context.WithCancel(context.Background())
	defer cancelAnnounce()
	if *announce > 0 {
		go func(ctx context.Context) {
			ticker := time.NewTicker(*announce)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ticker.C:
					env, err := envelope.New("announce", map[string]string{"time": t.Format(time.RFC3339)})
					if err == nil {
						err = srv.Broadcast(env)
					}
					if err != nil {
						logger.Error("Error publishing announcement", "error", err)
					}
				}
			}
		}(announceCtx)
	}

	httpServer := &http.Server{
		Addr:        *addr,
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	logger.Info("Dev server starting", "address", httpServer.Addr+"/ws")
	fmt.Println("Dev server listening on", httpServer.Addr+"/ws")

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down...", "signal", sig.String())
	}
	cancelAnnounce()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Dev server shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}

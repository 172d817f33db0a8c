package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabnerd/internal/logging"
	"tabnerd/internal/relay"
)

var (
	serveListen      string
	serveCallTimeout time.Duration
)

// serveCmd runs the relay daemon
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay daemon",
	Long: `Starts the relay daemon.

Endpoints:
  ws  /extension   browser extension (one at a time; a new one replaces the old)
  ws  /client      downstream clients (unlimited; ids must be unique)
  GET /status      {"extension": bool, "targets": n, "clients": n}
  GET /targets     attached tabs
  POST /attach     ask the extension to attach tabs
  POST /cdp        one-shot command without holding a websocket

The relay survives extension disconnects: clients stay connected and calls
fail fast until the extension returns.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initFileLogging()
	defer logging.CloseAll()

	listen := serveListen
	if listen == "" {
		listen = cfg.Relay.Listen
	}
	callTimeout := serveCallTimeout
	if callTimeout == 0 {
		callTimeout = cfg.GetRelayCallTimeout()
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	rcfg := relay.DefaultConfig()
	rcfg.CallTimeout = callTimeout
	r := relay.New(rcfg)
	srv := relay.NewServer(r, listen)

	logger.Info("Starting relay",
		zap.String("listen", listen),
		zap.Duration("call_timeout", callTimeout))

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Relay stopped")
	return nil
}

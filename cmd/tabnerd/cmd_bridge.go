package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabnerd/internal/bridge"
	"tabnerd/internal/logging"
)

var (
	bridgeControlURL string
	bridgeHeadless   bool
)

// bridgeCmd stands in for the browser extension during development
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Drive a local Chrome in place of the extension",
	Long: `Connects a locally running Chrome to the relay as if it were the
browser extension. Every open page becomes an attached tab.

By default a headless Chrome is launched and torn down with the bridge.
Point --control-url at an existing Chrome (started with
--remote-debugging-port) to adopt it instead.`,
	RunE: runBridge,
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initFileLogging()
	defer logging.CloseAll()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	b, err := bridge.New(bridge.Config{
		RelayURL:   resolveRelayURL(cfg),
		ControlURL: bridgeControlURL,
		Headless:   bridgeHeadless,
	})
	if err != nil {
		return err
	}

	logger.Info("Starting bridge",
		zap.String("relay", resolveRelayURL(cfg)),
		zap.Bool("headless", bridgeHeadless))

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Bridge stopped")
	return nil
}

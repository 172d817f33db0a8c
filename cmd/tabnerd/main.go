package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tabnerd/internal/config"
	"tabnerd/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	relayURL   string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tabnerd",
	Short: "tabnerd - drive real browser tabs from the command line",
	Long: `tabnerd relays commands between operator tools and a browser extension.

The relay daemon holds one websocket to the extension and any number of
downstream clients. It tracks which tabs are attached, answers discovery
commands itself, and forwards everything else to the extension verbatim.

Typical flow:
  tabnerd serve                     # start the relay
  tabnerd status                    # check extension / targets / clients
  tabnerd run task.yaml             # execute a task file once
  tabnerd loop task.yaml            # run it autonomously until done

Without a real extension, 'tabnerd bridge' drives a local Chrome instead.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			logging.SetDebugLevel()
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: .tabnerd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay-url", "", "Relay base URL (overrides config)")

	// Serve flags
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config)")
	serveCmd.Flags().DurationVar(&serveCallTimeout, "call-timeout", 0, "Forwarded call timeout (default from config)")

	// Call flags
	callCmd.Flags().StringVar(&callMethod, "method", "", "CDP method name (required)")
	callCmd.Flags().StringVar(&callParams, "params", "{}", "Method params as JSON")
	callCmd.Flags().StringVar(&callSession, "session", "", "Session id (default: first attached tab)")
	callCmd.MarkFlagRequired("method")

	// Run flags
	runCmd.Flags().StringVar(&runSession, "session", "", "Session id (default: first attached tab)")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Rerun the task whenever the file changes")

	// Loop flags
	loopCmd.Flags().StringVar(&loopSession, "session", "", "Session id (default: first attached tab)")
	loopCmd.Flags().IntVar(&loopMaxIterations, "max-iterations", 0, "Iteration cap (default from config)")
	loopCmd.Flags().DurationVar(&loopBudget, "budget", 0, "Wall-clock budget (default from config)")
	loopCmd.Flags().StringVar(&loopMarker, "marker", "", "Completion marker (default from config)")
	loopCmd.Flags().IntVar(&loopCheckpointEvery, "checkpoint-every", 0, "Checkpoint interval in iterations (default from config)")
	loopCmd.Flags().StringVar(&loopStatePath, "state", "", "Checkpoint file path (default from config)")
	loopCmd.Flags().BoolVar(&loopNoHistory, "no-history", false, "Skip archiving the run to history")

	// Bridge flags
	bridgeCmd.Flags().StringVar(&bridgeControlURL, "control-url", "", "Existing Chrome debugger URL (default: launch one)")
	bridgeCmd.Flags().BoolVar(&bridgeHeadless, "headless", true, "Run the launched Chrome headless")

	// History flags
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of runs to show")

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loopCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the YAML config, falling back to defaults when the file
// is absent.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// resolveRelayURL applies the --relay-url override on top of the config.
func resolveRelayURL(cfg *config.Config) string {
	if relayURL != "" {
		return relayURL
	}
	return cfg.Client.RelayURL
}

// httpBaseURL normalizes a relay URL for plain HTTP use; operators sometimes
// configure the ws:// form.
func httpBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}

// signalContext derives a context that cancels on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// initFileLogging turns on the category file logger for long-running
// commands. Failure is not fatal; the CLI keeps working without log files.
func initFileLogging() {
	if err := logging.Initialize("."); err != nil {
		logger.Warn("file logging unavailable", zap.Error(err))
	}
}

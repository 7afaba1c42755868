package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casparianflow/sentinel/pkg/broker"
	"github.com/casparianflow/sentinel/pkg/config"
	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/log"
	"github.com/casparianflow/sentinel/pkg/metrics"
	"github.com/casparianflow/sentinel/pkg/queue"
	"github.com/casparianflow/sentinel/pkg/server"
	"github.com/casparianflow/sentinel/pkg/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sentinel",
	Short:   "Sentinel - Casparian Flow control-plane broker",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sentinel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "YAML config file; explicit flags always override values it sets")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("listen", "0.0.0.0:7770", "Address workers dial to connect")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready, /live")
	serveCmd.Flags().String("data-dir", "/var/lib/casparianflow", "Directory for the BoltDB store")

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	_, logLevel, logJSON := resolveSentinelConfig()

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// resolveSentinelConfig loads --config (if set) and layers explicit flags on
// top, so a checked-in YAML file supplies defaults but a flag on the command
// line always wins. Returns the loaded file (for fields serveCmd also needs)
// plus the resolved log level/JSON settings used by every subcommand.
func resolveSentinelConfig() (config.Sentinel, string, bool) {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.LoadSentinel(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		cfg = config.Sentinel{}
	}

	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	if cfg.LogLevel != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		logLevel = cfg.LogLevel
	}
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if cfg.LogJSON && !rootCmd.PersistentFlags().Changed("log-json") {
		logJSON = cfg.LogJSON
	}
	return cfg, logLevel, logJSON
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Sentinel: accept worker connections and dispatch queued jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := resolveSentinelConfig()

		listenAddr, _ := cmd.Flags().GetString("listen")
		if cfg.ListenAddr != "" && !cmd.Flags().Changed("listen") {
			listenAddr = cfg.ListenAddr
		}
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if cfg.MetricsAddr != "" && !cmd.Flags().Changed("metrics-addr") {
			metricsAddr = cfg.MetricsAddr
		}
		dataDir, _ := cmd.Flags().GetString("data-dir")
		if cfg.DataDir != "" && !cmd.Flags().Changed("data-dir") {
			dataDir = cfg.DataDir
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}

		eventsBroker := events.NewBroker()
		q := queue.New(store, eventsBroker)

		listener := server.New(listenAddr, store)
		br := broker.New(q, listener, eventsBroker)
		listener.SetBroker(br)

		collector := metrics.NewCollector(store)
		collector.Start()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("storage", true, "open")
		metrics.RegisterComponent("queue", true, "ready")
		metrics.RegisterComponent("broker", true, "ready")

		br.Start()
		fmt.Println("✓ Broker started")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			if err := listener.Serve(ctx); err != nil {
				errCh <- fmt.Errorf("server error: %w", err)
			}
		}()
		fmt.Printf("✓ Listening for workers on %s\n", listenAddr)

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				fmt.Printf("Metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		cancel()
		br.Stop()
		collector.Stop()
		if err := store.Close(); err != nil {
			return fmt.Errorf("closing store: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casparianflow/sentinel/pkg/bridge"
	"github.com/casparianflow/sentinel/pkg/config"
	"github.com/casparianflow/sentinel/pkg/environment"
	"github.com/casparianflow/sentinel/pkg/log"
	"github.com/casparianflow/sentinel/pkg/worker"
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
	Use:     "casparian-worker",
	Short:   "Casparian Flow worker: executes dispatched jobs in an isolated guest",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"casparian-worker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "YAML config file; explicit flags always override values it sets")
	cobra.OnInitialize(initLogging)

	startCmd.Flags().String("sentinel", "127.0.0.1:7770", "Sentinel control-plane address")
	startCmd.Flags().String("identity", "", "This worker's identity; defaults to hostname if empty")
	startCmd.Flags().StringSlice("capabilities", nil, "Plugin names this worker can execute; empty means any")
	startCmd.Flags().String("sockets-dir", "/var/lib/casparianflow/sockets", "Directory for bridge Unix sockets")
	startCmd.Flags().String("envs-dir", "", "Directory of materialized environments; empty disables env-aware dispatch")
	startCmd.Flags().String("sentinel-health-addr", "", "Sentinel's metrics address (e.g. 127.0.0.1:9090); when set, Connect waits on GET /ready here instead of a bare TCP ping")

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	_, logLevel, logJSON := resolveWorkerConfig()

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// resolveWorkerConfig loads --config (if set) and layers explicit flags on
// top, so a checked-in YAML file supplies defaults but a flag on the
// command line always wins.
func resolveWorkerConfig() (config.Worker, string, bool) {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		cfg = config.Worker{}
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

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Connect to the Sentinel and service dispatched jobs until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := resolveWorkerConfig()

		sentinelAddr, _ := cmd.Flags().GetString("sentinel")
		if cfg.SentinelAddr != "" && !cmd.Flags().Changed("sentinel") {
			sentinelAddr = cfg.SentinelAddr
		}
		identity, _ := cmd.Flags().GetString("identity")
		if cfg.Identity != "" && !cmd.Flags().Changed("identity") {
			identity = cfg.Identity
		}
		capabilities, _ := cmd.Flags().GetStringSlice("capabilities")
		if len(cfg.Capabilities) > 0 && !cmd.Flags().Changed("capabilities") {
			capabilities = cfg.Capabilities
		}
		socketsDir, _ := cmd.Flags().GetString("sockets-dir")
		if cfg.SocketsDir != "" && !cmd.Flags().Changed("sockets-dir") {
			socketsDir = cfg.SocketsDir
		}
		envsDir, _ := cmd.Flags().GetString("envs-dir")
		if cfg.EnvsDir != "" && !cmd.Flags().Changed("envs-dir") {
			envsDir = cfg.EnvsDir
		}
		sentinelHealthAddr, _ := cmd.Flags().GetString("sentinel-health-addr")
		if cfg.SentinelHealth != "" && !cmd.Flags().Changed("sentinel-health-addr") {
			sentinelHealthAddr = cfg.SentinelHealth
		}

		if identity == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("resolving default identity: %w", err)
			}
			identity = hostname
		}

		fmt.Println("Starting Casparian Flow worker...")
		fmt.Printf("  Identity: %s\n", identity)
		fmt.Printf("  Sentinel: %s\n", sentinelAddr)
		if len(capabilities) > 0 {
			fmt.Printf("  Capabilities: %s\n", strings.Join(capabilities, ", "))
		} else {
			fmt.Println("  Capabilities: any")
		}

		host := bridge.NewHost(socketsDir)

		var envManager *environment.Manager
		if envsDir != "" {
			var err error
			envManager, err = environment.NewManager(nil, environment.NewUvBuilder(), envsDir, 0)
			if err != nil {
				return fmt.Errorf("creating environment manager: %w", err)
			}
		}

		client := worker.New(worker.Config{
			SentinelAddr: sentinelAddr,
			Identity:     identity,
			Capabilities: capabilities,
			Executor:     host,
			EnvManager:   envManager,
			HealthAddr:   sentinelHealthAddr,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connecting to sentinel: %w", err)
		}
		fmt.Println("✓ Identified to sentinel")

		go client.Run()

		fmt.Println()
		fmt.Println("Worker is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		client.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/casparianflow/sentinel/pkg/bridge"
	"github.com/casparianflow/sentinel/pkg/deploy"
	"github.com/casparianflow/sentinel/pkg/environment"
	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/gate"
	"github.com/casparianflow/sentinel/pkg/identity"
	"github.com/casparianflow/sentinel/pkg/log"
	"github.com/casparianflow/sentinel/pkg/router"
	"github.com/casparianflow/sentinel/pkg/storage"
)

// casparian-publish runs a plugin artifact through the deployment pipeline
// directly against the Sentinel's data directory. There is no DEPLOY-over-
// the-wire transport yet (see pkg/protocol's OpDeploy), so this opens the
// store directly rather than proxying through a running process. Operators
// must not run this against a data directory a live sentinel process also
// has open.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "casparian-publish",
	Short: "Submit a plugin artifact to Casparian Flow's deployment pipeline",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	deployCmd.Flags().String("data-dir", "/var/lib/casparianflow", "Sentinel's data directory")
	deployCmd.Flags().String("envs-dir", "/var/lib/casparianflow/envs", "Directory for materialized plugin environments")
	deployCmd.Flags().String("source", "", "Path to the plugin's source file")
	deployCmd.Flags().String("lockfile", "", "Path to the plugin's lockfile")
	deployCmd.Flags().String("plugin-name", "", "Plugin name")
	deployCmd.Flags().String("version", "", "Plugin version")
	deployCmd.Flags().String("publisher-id", "", "Publisher identity")
	deployCmd.Flags().String("signing-secret", "", "Shared secret for local HMAC manifest signatures")
	deployCmd.Flags().String("sample-input", "", "Path to a sample input file for the promote stage's smoke run")
	_ = deployCmd.MarkFlagRequired("source")
	_ = deployCmd.MarkFlagRequired("lockfile")
	_ = deployCmd.MarkFlagRequired("plugin-name")
	_ = deployCmd.MarkFlagRequired("publisher-id")

	rootCmd.AddCommand(deployCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Run ingest, gate, signature, environment, and promote stages for one artifact",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		envsDir, _ := cmd.Flags().GetString("envs-dir")
		sourcePath, _ := cmd.Flags().GetString("source")
		lockfilePath, _ := cmd.Flags().GetString("lockfile")
		pluginName, _ := cmd.Flags().GetString("plugin-name")
		version, _ := cmd.Flags().GetString("version")
		publisherID, _ := cmd.Flags().GetString("publisher-id")
		signingSecret, _ := cmd.Flags().GetString("signing-secret")
		sampleInputPath, _ := cmd.Flags().GetString("sample-input")

		sourceCode, err := os.ReadFile(sourcePath)
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}
		lockfileContent, err := os.ReadFile(lockfilePath)
		if err != nil {
			return fmt.Errorf("reading lockfile: %w", err)
		}
		var sampleInput []byte
		if sampleInputPath != "" {
			sampleInput, err = os.ReadFile(sampleInputPath)
			if err != nil {
				return fmt.Errorf("reading sample input: %w", err)
			}
		}

		artifactHash := identity.HashArtifact(sourceCode, lockfileContent)
		mac := hmac.New(sha256.New, []byte(signingSecret))
		mac.Write([]byte(artifactHash))
		signature := mac.Sum(nil)

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()

		eventsBroker := events.NewBroker()
		idProvider := identity.NewLocalProvider([]byte(signingSecret))
		envManager, err := environment.NewManager(store, environment.NewUvBuilder(), envsDir, 0)
		if err != nil {
			return fmt.Errorf("creating environment manager: %w", err)
		}
		projector := router.NewProjector(store, eventsBroker)
		host := bridge.NewHost(os.TempDir())
		pipeline := deploy.NewPipeline(store, gate.New(), idProvider, envManager, projector, host, eventsBroker)

		req := deploy.Request{
			PluginName:      pluginName,
			Version:         version,
			SourceCode:      sourceCode,
			LockfileContent: string(lockfileContent),
			ArtifactHash:    artifactHash,
			Signature:       signature,
			PublisherID:     publisherID,
			SampleInput:     sampleInput,
		}

		manifest, err := pipeline.Deploy(context.Background(), req)
		if err != nil {
			return fmt.Errorf("deploy pipeline failed: %w", err)
		}

		fmt.Printf("Manifest %s: %s\n", manifest.ID, manifest.Status)
		if manifest.ValidationError != "" {
			fmt.Printf("Reason: %s\n", manifest.ValidationError)
			os.Exit(1)
		}
		return nil
	},
}

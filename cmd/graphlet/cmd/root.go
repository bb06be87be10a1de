// Package cmd provides the CLI commands for graphlet.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	graphlet "github.com/ozanturksever/go-graphlet"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultNATSURL = "nats://localhost:4222"

var (
	cfgFile   string
	natsURL   string
	clusterID string
	verbose   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "graphlet",
	Short: "Component membership and messaging over NATS",
	Long: `graphlet connects independent components through NATS:
  - An orator keeps the authoritative member registry
  - Components announce themselves and learn about each other
  - Components exchange request/response messages by name
  - Silent members are detected by heartbeat and evicted

Use graphlet to run an orator, run a component, or query one.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "JSON config file")
	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", "", "NATS server URL (default "+defaultNATSURL+")")
	rootCmd.PersistentFlags().StringVarP(&clusterID, "cluster", "c", "", "Cluster ID")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// Bind flags to viper
	viper.BindPFlag("nats_url", rootCmd.PersistentFlags().Lookup("nats"))
	viper.BindPFlag("cluster_id", rootCmd.PersistentFlags().Lookup("cluster"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Environment variable bindings
	viper.BindEnv("nats_url", "NATS_URL")
	viper.BindEnv("cluster_id", "GRAPHLET_CLUSTER")
	viper.BindEnv("nats_creds", "NATS_CREDS")
}

// initConfig reads ENV variables if set. The --config file is a graphlet
// FileConfig and is loaded by loadConfig.
func initConfig() {
	viper.AutomaticEnv()
}

// loadConfig builds the effective configuration: the --config file if
// given, overridden by flags and environment, then defaults.
func loadConfig() (*graphlet.FileConfig, error) {
	cfg := &graphlet.FileConfig{}
	if cfgFile != "" {
		loaded, err := graphlet.LoadConfigFromFile(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", cfgFile)
		}
	}

	if id := viper.GetString("cluster_id"); id != "" {
		cfg.ClusterID = id
	}
	if url := viper.GetString("nats_url"); url != "" {
		cfg.NATS.Servers = []string{url}
	}
	if len(cfg.NATS.Servers) == 0 {
		cfg.NATS.Servers = []string{defaultNATSURL}
	}
	if creds := viper.GetString("nats_creds"); creds != "" {
		cfg.NATS.Credentials = creds
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w (use --cluster or set GRAPHLET_CLUSTER)", err)
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

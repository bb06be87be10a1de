package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	graphlet "github.com/ozanturksever/go-graphlet"
	"github.com/ozanturksever/go-graphlet/link"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var oratorCmd = &cobra.Command{
	Use:   "orator",
	Short: "Run the coordinating node of a cluster",
	Long: `Start the orator of a graphlet cluster.

The orator will:
- Register every component that connects and send it the member list
- Announce new components to existing members
- Ping members periodically and evict those that stop answering
- Serve Prometheus metrics

Example:
  graphlet orator --cluster shop
  graphlet orator --config /etc/graphlet/orator.json --heartbeat 5s`,
	RunE: runOrator,
}

func init() {
	rootCmd.AddCommand(oratorCmd)

	oratorCmd.Flags().Duration("heartbeat", 0, "Heartbeat interval (default 10s)")
	oratorCmd.Flags().String("metrics-addr", "", "Prometheus metrics HTTP address (default :9090)")

	viper.BindPFlag("heartbeat_interval", oratorCmd.Flags().Lookup("heartbeat"))
	viper.BindPFlag("metrics_addr", oratorCmd.Flags().Lookup("metrics-addr"))
}

func runOrator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if d := viper.GetDuration("heartbeat_interval"); d > 0 {
		cfg.Orator.HeartbeatIntervalMs = d.Milliseconds()
	}
	if addr := viper.GetString("metrics_addr"); addr != "" {
		cfg.MetricsAddr = addr
	}

	logger := newLogger().With("cluster", cfg.ClusterID)

	fmt.Println("Starting graphlet orator...")
	fmt.Printf("  Cluster:      %s\n", cfg.ClusterID)
	fmt.Printf("  NATS:         %v\n", cfg.NATS.Servers)
	fmt.Printf("  Heartbeat:    %s\n", cfg.HeartbeatInterval())
	fmt.Printf("  Metrics:      %s\n", cfg.MetricsAddr)
	fmt.Println()

	l, err := link.Connect(cfg.OratorLinkConfig(logger), cfg.NATS.Servers...)
	if err != nil {
		return err
	}
	defer l.Close()

	metrics := graphlet.NewMetrics(cfg.ClusterID, "orator")
	orator, err := graphlet.NewOrator(graphlet.OratorConfig{
		Link:              l,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create orator: %w", err)
	}

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Serve(ctx, cfg.MetricsAddr, logger)

	if err := orator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orator: %w", err)
	}

	fmt.Println("Orator started. Press Ctrl+C to stop.")
	sig := waitForSignal()
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	if err := orator.Stop(); err != nil {
		return err
	}
	fmt.Printf("Orator stopped with %d members.\n", orator.Registry().Len())
	return nil
}

func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	return <-sigCh
}

// startComponent connects a component link and manager for cfg. The caller
// closes both.
func startComponent(cfg *graphlet.FileConfig, metrics *graphlet.Metrics) (*link.NATSLink, *graphlet.Manager, error) {
	logger := newLogger().With("cluster", cfg.ClusterID)

	l, err := link.Connect(cfg.ComponentLinkConfig(logger), cfg.NATS.Servers...)
	if err != nil {
		return nil, nil, err
	}

	mgr, err := graphlet.NewManager(graphlet.Config{
		Name:                  cfg.Component.Name,
		Role:                  cfg.Component.Role,
		Link:                  l,
		UnresponsiveThreshold: cfg.Exchange.UnresponsiveThreshold,
		Logger:                logger,
		Metrics:               metrics,
	})
	if err != nil {
		l.Close()
		return nil, nil, fmt.Errorf("failed to create manager: %w", err)
	}
	return l, mgr, nil
}

// joinCluster announces the component and blocks until the orator's first
// member list arrives.
func joinCluster(mgr *graphlet.Manager, payload map[string]any, timeout time.Duration) (graphlet.StateRehydratedEvent, error) {
	sub := mgr.Events().StateRehydrated.Subscribe()
	defer sub.Unsubscribe()

	if err := mgr.ConnectToCluster(payload); err != nil {
		return graphlet.StateRehydratedEvent{}, err
	}

	select {
	case ev := <-sub.C():
		return ev, nil
	case <-time.After(timeout):
		return graphlet.StateRehydratedEvent{}, fmt.Errorf("no member list from orator after %s", timeout)
	}
}

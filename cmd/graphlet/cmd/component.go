package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	graphlet "github.com/ozanturksever/go-graphlet"
	"github.com/ozanturksever/go-graphlet/link"
	"github.com/spf13/cobra"
)

var (
	componentName       string
	componentPort       int
	componentSchemaFile string
	componentMetrics    string
	joinTimeout         time.Duration
)

var componentCmd = &cobra.Command{
	Use:   "component",
	Short: "Run a component that joins the cluster",
	Long: `Start a component and join it to a graphlet cluster.

The component will:
- Announce itself and its schema to the orator
- Answer every query with its name and schema
- Answer orator heartbeats
- Log members joining, leaving and going silent

Example:
  graphlet component --cluster shop --name orders --port 4001 --schema-file orders.graphql`,
	RunE: runComponent,
}

func init() {
	rootCmd.AddCommand(componentCmd)

	componentCmd.Flags().StringVar(&componentName, "name", "", "Component name")
	componentCmd.Flags().IntVar(&componentPort, "port", 0, "Component port")
	componentCmd.Flags().StringVar(&componentSchemaFile, "schema-file", "", "File holding the component schema")
	componentCmd.Flags().StringVar(&componentMetrics, "metrics-addr", "", "Serve Prometheus metrics on this address")
	componentCmd.Flags().DurationVar(&joinTimeout, "join-timeout", 10*time.Second, "How long to wait for the orator")
}

func runComponent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if componentName != "" {
		cfg.Component.Name = componentName
	}
	if componentPort != 0 {
		cfg.Component.Port = componentPort
	}
	if componentSchemaFile != "" {
		cfg.Component.SchemaFile = componentSchemaFile
	}
	if err := cfg.ValidateComponent(); err != nil {
		return err
	}

	var schema string
	if cfg.Component.SchemaFile != "" {
		data, err := os.ReadFile(cfg.Component.SchemaFile)
		if err != nil {
			return fmt.Errorf("failed to read schema: %w", err)
		}
		schema = string(data)
	}

	metrics := graphlet.NewMetrics(cfg.ClusterID, cfg.Component.Name)
	l, mgr, err := startComponent(cfg, metrics)
	if err != nil {
		return err
	}
	defer l.Close()
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if componentMetrics != "" {
		metrics.Serve(ctx, componentMetrics, newLogger())
	}

	name := cfg.Component.Name
	mgr.RespondOnQuery(func(ctx context.Context, msg *link.Message) (any, error) {
		return map[string]string{"component": name, "schema": schema}, nil
	})

	go logMembership(ctx, mgr)

	ev, err := joinCluster(mgr, map[string]any{"schema": schema}, joinTimeout)
	if err != nil {
		return err
	}

	fmt.Printf("Component %s joined cluster %s on port %d.\n", name, cfg.ClusterID, cfg.Component.Port)
	printMembers(ev.Components)
	fmt.Println("Press Ctrl+C to stop.")

	sig := waitForSignal()
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
	return nil
}

func logMembership(ctx context.Context, mgr *graphlet.Manager) {
	events := mgr.Events()
	added := events.NewComponent.Subscribe()
	rehydrated := events.StateRehydrated.Subscribe()
	silent := events.UnresponsiveComponent.Subscribe()
	defer added.Unsubscribe()
	defer rehydrated.Unsubscribe()
	defer silent.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-added.C():
			fmt.Printf("+ %s (port %d)\n", ev.Name, ev.Port)
		case ev := <-rehydrated.C():
			for _, name := range ev.Removed {
				fmt.Printf("- %s\n", name)
			}
		case ev := <-silent.C():
			fmt.Printf("! %s is not answering\n", ev.Name)
		}
	}
}

func printMembers(members []graphlet.Component) {
	fmt.Printf("Members: %d\n", len(members))
	for _, c := range members {
		fmt.Printf("  %-20s port %d\n", c.Name, c.Port)
	}
}

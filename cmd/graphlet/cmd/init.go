package cmd

import (
	"fmt"

	graphlet "github.com/ozanturksever/go-graphlet"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default settings",
	Long: `Write a graphlet config file to the --config path, filled with the
effective settings: flags and environment over defaults.

Example:
  graphlet init --config graphlet.json --cluster shop --nats nats://nats:4222`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&componentName, "name", "", "Component name")
	initCmd.Flags().IntVar(&componentPort, "port", 0, "Component port")
	initCmd.Flags().StringVar(&componentSchemaFile, "schema-file", "", "File holding the component schema")
}

func runInit(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("--config is required")
	}
	path := cfgFile

	// Start from flags and environment only.
	cfgFile = ""
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Component = graphlet.ComponentFileConfig{
		Name:       componentName,
		Port:       componentPort,
		Role:       cfg.Component.Role,
		SchemaFile: componentSchemaFile,
	}

	if err := graphlet.WriteConfigToFile(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

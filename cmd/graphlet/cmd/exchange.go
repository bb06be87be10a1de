package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ozanturksever/go-graphlet/link"
	"github.com/spf13/cobra"
)

var (
	exchangeName string
	exchangePort int
	exchangeType string
)

var exchangeCmd = &cobra.Command{
	Use:   "exchange TARGET PAYLOAD",
	Short: "Send one request to a component and print the reply",
	Long: `Join the cluster as a short-lived component, wait for the member list,
send PAYLOAD to TARGET and print its reply.

PAYLOAD is sent as JSON when it parses as JSON and as a string otherwise.

Example:
  graphlet exchange --cluster shop --port 4999 orders '{"query":"{ orders }"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runExchange,
}

func init() {
	rootCmd.AddCommand(exchangeCmd)

	exchangeCmd.Flags().StringVar(&exchangeName, "name", "graphlet-cli", "Name to join the cluster under")
	exchangeCmd.Flags().IntVar(&exchangePort, "port", 0, "Port to listen on for the reply")
	exchangeCmd.Flags().StringVar(&exchangeType, "type", string(link.TypeQuery), "Message type to send")
	exchangeCmd.Flags().DurationVar(&joinTimeout, "join-timeout", 10*time.Second, "How long to wait for the orator")
}

func runExchange(cmd *cobra.Command, args []string) error {
	target, raw := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Component.Name = exchangeName
	if exchangePort != 0 {
		cfg.Component.Port = exchangePort
	}
	if err := cfg.ValidateComponent(); err != nil {
		return err
	}

	var payload any = raw
	if json.Valid([]byte(raw)) {
		payload = json.RawMessage(raw)
	}

	l, mgr, err := startComponent(cfg, nil)
	if err != nil {
		return err
	}
	defer l.Close()
	defer mgr.Close()

	if _, err := joinCluster(mgr, nil, joinTimeout); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ExchangeTimeout()+time.Second)
	defer cancel()

	reply, err := mgr.ExchangeType(ctx, target, link.MessageType(exchangeType), payload)
	if reply == nil && err == nil {
		return fmt.Errorf("%s did not reply within %s", target, cfg.ExchangeTimeout())
	}
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if json.Indent(&out, reply.Payload, "", "  ") != nil {
		out.Reset()
		out.Write(reply.Payload)
	}
	fmt.Println(out.String())
	return nil
}

// Package testutil provides testing utilities for go-graphlet.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// NATSServer wraps an embedded NATS server for testing.
type NATSServer struct {
	server *server.Server
	url    string
}

// StartNATS starts an embedded NATS server on a random port. The server is
// shut down when the test finishes.
func StartNATS(t *testing.T) *NATSServer {
	t.Helper()

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	s := &NATSServer{
		server: ns,
		url:    ns.ClientURL(),
	}
	t.Cleanup(s.Stop)

	return s
}

// URL returns the NATS server URL.
func (n *NATSServer) URL() string {
	return n.url
}

// Stop stops the NATS server. It is safe to call more than once.
func (n *NATSServer) Stop() {
	if n.server != nil {
		n.server.Shutdown()
	}
}

// Connect creates a new NATS connection to the test server.
func (n *NATSServer) Connect(t *testing.T) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(n.url)
	if err != nil {
		t.Fatalf("failed to connect to NATS: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
	})

	return nc
}

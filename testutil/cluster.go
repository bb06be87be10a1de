package testutil

import (
	"context"
	"testing"
	"time"

	graphlet "github.com/ozanturksever/go-graphlet"
	"github.com/ozanturksever/go-graphlet/link"
)

// TestCluster wraps an orator and a set of components on an embedded NATS
// server.
type TestCluster struct {
	t          *testing.T
	cfg        ClusterConfig
	nats       *NATSServer
	orator     *graphlet.Orator
	oratorLink *link.NATSLink
	components map[string]*TestComponent
}

// TestComponent is a component running in a TestCluster.
type TestComponent struct {
	Manager *graphlet.Manager
	Link    *link.NATSLink
}

// ClusterConfig configures a test cluster.
type ClusterConfig struct {
	ClusterID       string
	ExchangeTimeout time.Duration

	// HeartbeatInterval of zero leaves heartbeats to the test, which calls
	// Orator().Heartbeat directly.
	HeartbeatInterval time.Duration

	UnresponsiveThreshold int
}

// StartCluster starts NATS and an orator. Everything is torn down when the
// test finishes.
func StartCluster(t *testing.T, cfg ClusterConfig) *TestCluster {
	t.Helper()

	if cfg.ClusterID == "" {
		cfg.ClusterID = "test"
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = 500 * time.Millisecond
	}

	ns := StartNATS(t)

	ol, err := link.Connect(link.Config{
		ClusterID:       cfg.ClusterID,
		Orator:          true,
		ExchangeTimeout: cfg.ExchangeTimeout,
	}, ns.URL())
	if err != nil {
		t.Fatalf("failed to create orator link: %v", err)
	}

	interval := cfg.HeartbeatInterval
	if interval == 0 {
		interval = time.Hour
	}
	orator, err := graphlet.NewOrator(graphlet.OratorConfig{
		Link:              ol,
		HeartbeatInterval: interval,
	})
	if err != nil {
		t.Fatalf("failed to create orator: %v", err)
	}
	if err := orator.Start(context.Background()); err != nil {
		t.Fatalf("failed to start orator: %v", err)
	}

	tc := &TestCluster{
		t:          t,
		cfg:        cfg,
		nats:       ns,
		orator:     orator,
		oratorLink: ol,
		components: make(map[string]*TestComponent),
	}
	t.Cleanup(tc.Stop)

	return tc
}

// AddComponent starts a component and connects it to the cluster. It does
// not wait for the orator's snapshot.
func (tc *TestCluster) AddComponent(name string, port int, schema string) *TestComponent {
	tc.t.Helper()

	l, err := link.Connect(link.Config{
		ClusterID:       tc.cfg.ClusterID,
		Port:            port,
		ExchangeTimeout: tc.cfg.ExchangeTimeout,
	}, tc.nats.URL())
	if err != nil {
		tc.t.Fatalf("failed to create link for %s: %v", name, err)
	}

	mgr, err := graphlet.NewManager(graphlet.Config{
		Name:                  name,
		Link:                  l,
		UnresponsiveThreshold: tc.cfg.UnresponsiveThreshold,
	})
	if err != nil {
		tc.t.Fatalf("failed to create manager for %s: %v", name, err)
	}

	comp := &TestComponent{Manager: mgr, Link: l}
	tc.components[name] = comp

	if err := mgr.ConnectToCluster(map[string]any{"schema": schema}); err != nil {
		tc.t.Fatalf("failed to connect %s: %v", name, err)
	}
	return comp
}

// Orator returns the cluster's orator.
func (tc *TestCluster) Orator() *graphlet.Orator {
	return tc.orator
}

// Component returns the named component.
func (tc *TestCluster) Component(name string) *TestComponent {
	return tc.components[name]
}

// Kill stops the named component without telling the orator.
func (tc *TestCluster) Kill(name string) {
	comp, ok := tc.components[name]
	if !ok {
		return
	}
	comp.Manager.Close()
	comp.Link.Close()
	delete(tc.components, name)
}

// WaitForMembers waits until the component's registry holds n components.
func (tc *TestCluster) WaitForMembers(t *testing.T, comp *TestComponent, n int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if comp.Manager.Registry().Len() == n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s has %d members, want %d", comp.Manager.Name(), comp.Manager.Registry().Len(), n)
}

// Stop stops all components, the orator and NATS.
func (tc *TestCluster) Stop() {
	for name := range tc.components {
		tc.Kill(name)
	}
	tc.orator.Stop()
	tc.oratorLink.Close()
	tc.nats.Stop()
}

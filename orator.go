package graphlet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ozanturksever/go-graphlet/link"
)

// Orator is the coordinating node components connect to. It owns the
// authoritative registry, tells members about each other and evicts members
// that stop answering heartbeats.
type Orator struct {
	link     link.Link
	members  ComponentRegistry
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	// membership serializes every change to members together with the
	// snapshot or announcement that tells the cluster about it.
	membership sync.Mutex
	lastDigest uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrator creates an orator and subscribes it to connection requests.
// Heartbeats start with Start.
func NewOrator(cfg OratorConfig) (*Orator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	o := &Orator{
		link:     cfg.Link,
		members:  cfg.Registry,
		interval: cfg.HeartbeatInterval,
		logger:   cfg.Logger.With("component", "orator", "port", cfg.Link.Port()),
		metrics:  cfg.Metrics,
	}

	o.link.On(link.TypeConnectAsNewComponent, o.handleConnect)
	return o, nil
}

// Registry returns the authoritative registry.
func (o *Orator) Registry() ComponentRegistry {
	return o.members
}

// Snapshot returns the current members ordered by name.
func (o *Orator) Snapshot() []Component {
	return o.members.Components()
}

// Start begins the heartbeat loop.
func (o *Orator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrOratorAlreadyRunning
	}

	ctx, o.cancel = context.WithCancel(ctx)
	o.running = true

	o.wg.Add(1)
	go o.heartbeatLoop(ctx)

	o.logger.Info("orator started", "heartbeat", o.interval)
	return nil
}

// Stop ends the heartbeat loop and waits for it.
func (o *Orator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrOratorNotRunning
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.logger.Info("orator stopped")
	return nil
}

// Heartbeat pings every member once, evicts those that time out and pushes
// a fresh snapshot to the rest when membership changed. It returns the
// evicted names.
func (o *Orator) Heartbeat(ctx context.Context) []string {
	members := o.members.Components()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		dead []Component
	)
	for _, c := range members {
		wg.Add(1)
		go func(c Component) {
			defer wg.Done()

			start := time.Now()
			_, err := o.link.Exchange(ctx, c.Port, &link.Message{Type: link.TypePing})
			switch {
			case errors.Is(err, link.ErrRequestTimeout):
				o.metrics.ObserveExchange(c.Name, time.Since(start), exchangeTimeout)
				mu.Lock()
				dead = append(dead, c)
				mu.Unlock()
			case err != nil:
				o.metrics.ObserveExchange(c.Name, time.Since(start), exchangeError)
				o.logger.Warn("ping failed", "member", c.Name, "error", err)
			default:
				o.metrics.ObserveExchange(c.Name, time.Since(start), exchangeOK)
			}
		}(c)
	}
	wg.Wait()

	o.membership.Lock()
	defer o.membership.Unlock()

	var evicted []string
	for _, c := range dead {
		// The member may have reconnected on another port meanwhile.
		if cur, err := o.members.Get(c.Name); err != nil || cur.Port != c.Port {
			continue
		}
		o.members.Remove(c.Name)
		o.metrics.ObserveEviction(c.Name)
		o.logger.Warn("evicted unresponsive member", "member", c.Name, "member_port", c.Port)
		evicted = append(evicted, c.Name)
	}

	o.metrics.SetRegistrySize(o.members.Len())
	o.broadcastIfChanged()
	return evicted
}

func (o *Orator) heartbeatLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Heartbeat(ctx)
		}
	}
}

// handleConnect registers a joining component at the port its link stamped,
// sends it the full registry and announces it to everyone else.
func (o *Orator) handleConnect(msg *link.Message) {
	o.metrics.ObserveMessage(string(msg.Type))

	var body struct {
		Component *link.ComponentRef `json:"component"`
		Schema    string             `json:"schema"`
	}
	if err := msg.DecodePayload(&body); err != nil || body.Component == nil || body.Component.Name == "" {
		o.logger.Warn("dropping malformed connect request", "sender", msg.SenderPort(), "error", err)
		o.metrics.ObserveDropped("malformed")
		return
	}
	if msg.SenderPort() <= 0 {
		o.logger.Warn("dropping connect request without sender port", "member", body.Component.Name)
		o.metrics.ObserveDropped("unroutable")
		return
	}

	joiner := Component{
		Name:   body.Component.Name,
		Port:   msg.SenderPort(),
		Schema: body.Schema,
	}

	o.membership.Lock()
	defer o.membership.Unlock()

	o.members.Push(joiner)
	o.metrics.SetRegistrySize(o.members.Len())
	o.logger.Info("component joined", "member", joiner.Name, "member_port", joiner.Port, "role", body.Component.Role)

	members := o.members.Components()

	if err := o.sendSnapshot(joiner.Port, members); err != nil {
		o.logger.Warn("failed to send snapshot", "member", joiner.Name, "error", err)
	}

	announce, err := link.NewMessage(link.TypeNewComponentInCluster, announcementRecord(joiner))
	if err != nil {
		o.logger.Error("failed to build announcement", "error", err)
		return
	}
	for _, c := range members {
		if c.Name == joiner.Name {
			continue
		}
		if err := o.link.SendMessage(c.Port, announce); err != nil {
			o.logger.Warn("failed to announce new component", "member", c.Name, "error", err)
		}
	}

	o.lastDigest = o.members.Digest()
}

// broadcastIfChanged pushes a snapshot to every member unless the registry
// is unchanged since the last push. Callers hold o.membership.
func (o *Orator) broadcastIfChanged() {
	digest := o.members.Digest()
	if digest == o.lastDigest {
		return
	}
	o.lastDigest = digest

	members := o.members.Components()
	for _, c := range members {
		if err := o.sendSnapshot(c.Port, members); err != nil {
			o.logger.Warn("failed to send snapshot", "member", c.Name, "error", err)
		}
	}
	o.logger.Info("pushed registry snapshot", "members", len(members), "digest", digest)
}

func (o *Orator) sendSnapshot(port int, members []Component) error {
	msg, err := link.NewMessage(link.TypeStateRehydrate, encodeSnapshot(members))
	if err != nil {
		return err
	}
	return o.link.SendMessage(port, msg)
}

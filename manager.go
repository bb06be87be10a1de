package graphlet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ozanturksever/go-graphlet/link"
)

// statusOK is the heartbeat reply payload.
var statusOK = json.RawMessage(`{"status":"OK"}`)

// QueryHandler answers an inbound QUERY. The returned value becomes the
// REPLY payload; an error is sent back in the envelope's error field.
type QueryHandler func(ctx context.Context, msg *link.Message) (any, error)

// Manager runs the membership and messaging protocol for one component.
//
// It answers heartbeats, keeps the registry in line with announcements and
// snapshots coming from the orator, re-publishes every inbound message on a
// typed topic, and exchanges requests with peers by name. Exchange timeouts
// are turned into UnresponsiveComponent events instead of errors.
type Manager struct {
	name      string
	role      Role
	link      link.Link
	peers     ComponentRegistry
	threshold int
	events    *Events
	logger    *slog.Logger
	metrics   *Metrics

	mu     sync.Mutex
	misses map[string]int

	// lifeMu orders query handler starts against Close.
	lifeMu sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager and subscribes it to the link.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.applyDefaults()

	logger := cfg.Logger.With("component", "manager", "name", cfg.Name, "port", cfg.Link.Port())

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		name:      cfg.Name,
		role:      cfg.Role,
		link:      cfg.Link,
		peers:     cfg.Registry,
		threshold: cfg.UnresponsiveThreshold,
		events:    newEvents(cfg.EventBuffer, logger),
		logger:    logger,
		metrics:   cfg.Metrics,
		misses:    make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.link.On(link.TypePing, m.handlePing)
	m.link.OnMessage(m.handleMessage)

	return m, nil
}

// Name returns the component name this manager announces.
func (m *Manager) Name() string {
	return m.name
}

// Registry returns the registry the manager maintains.
func (m *Manager) Registry() ComponentRegistry {
	return m.peers
}

// Events returns the topics the manager publishes on.
func (m *Manager) Events() *Events {
	return m.events
}

// ConnectToCluster announces this component to the orator. Extra payload
// fields are sent along; the component field is always this manager's.
func (m *Manager) ConnectToCluster(payload map[string]any) error {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["component"] = link.ComponentRef{Name: m.name, Role: string(m.role)}

	msg, err := link.NewMessage(link.TypeConnectAsNewComponent, body)
	if err != nil {
		return err
	}

	if err := m.link.SendToServer(msg); err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}
	m.logger.Info("announced to orator", "role", m.role)
	return nil
}

// RespondOnQuery answers every inbound QUERY with fn. Each query runs on its
// own goroutine, so fn may exchange with other components.
func (m *Manager) RespondOnQuery(fn QueryHandler) {
	m.link.On(link.TypeQuery, func(msg *link.Message) {
		m.lifeMu.Lock()
		if m.closed {
			m.lifeMu.Unlock()
			return
		}
		m.wg.Add(1)
		m.lifeMu.Unlock()

		go func() {
			defer m.wg.Done()
			m.answerQuery(fn, msg)
		}()
	})
}

// Exchange sends payload as a QUERY to the named component and waits for its
// reply. See ExchangeType.
func (m *Manager) Exchange(ctx context.Context, name string, payload any) (*link.Message, error) {
	return m.ExchangeType(ctx, name, link.TypeQuery, payload)
}

// ExchangeType sends payload as a message of type t to the named component
// and waits for its reply.
//
// A name missing from the registry fails with ErrComponentNotFound before
// anything is sent. When the peer does not answer within the link's window
// the call returns a nil reply and a nil error, and the miss counts towards
// reporting the peer on the UnresponsiveComponent topic.
func (m *Manager) ExchangeType(ctx context.Context, name string, t link.MessageType, payload any) (*link.Message, error) {
	peer, err := m.peers.Get(name)
	if err != nil {
		return nil, err
	}

	msg, err := link.NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	msg.Component = &link.ComponentRef{Name: m.name, Role: string(m.role)}

	start := time.Now()
	reply, err := m.link.Exchange(ctx, peer.Port, msg)
	switch {
	case errors.Is(err, link.ErrRequestTimeout):
		m.metrics.ObserveExchange(name, time.Since(start), exchangeTimeout)
		m.recordMiss(peer)
		return nil, nil
	case err != nil:
		m.metrics.ObserveExchange(name, time.Since(start), exchangeError)
		return nil, fmt.Errorf("exchange with %s: %w", name, err)
	}

	m.metrics.ObserveExchange(name, time.Since(start), exchangeOK)
	m.resetMisses(name)

	if reply.Error != "" {
		return reply, fmt.Errorf("%w: %s: %s", ErrQueryFailed, name, reply.Error)
	}
	return reply, nil
}

// Send delivers msg to the component listening on port, bypassing the registry.
func (m *Manager) Send(port int, msg *link.Message) error {
	return m.link.SendMessage(port, msg)
}

// Close stops reacting to inbound messages and waits for running query
// handlers. Pings go unanswered and the registry is no longer updated
// afterwards. The link is left open.
func (m *Manager) Close() error {
	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return nil
	}
	m.closed = true
	m.lifeMu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) isClosed() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.closed
}

func (m *Manager) handlePing(msg *link.Message) {
	if m.isClosed() {
		return
	}
	ref := msg.CorrelationID()
	m.logger.Debug("ping received, responding", "ref", ref)

	reply := &link.Message{
		ID:        ref,
		Type:      link.TypeReply,
		Component: &link.ComponentRef{Name: m.name},
		Payload:   statusOK,
	}
	if err := m.link.SendToServer(reply); err != nil {
		m.logger.Warn("failed to answer ping", "ref", ref, "error", err)
	}
}

// handleMessage runs on the link's dispatch goroutine for every inbound
// message, which orders all registry mutations.
func (m *Manager) handleMessage(msg *link.Message) {
	if m.isClosed() {
		return
	}
	m.metrics.ObserveMessage(string(msg.Type))

	if msg.Type == "" {
		typed, ok := m.classify(msg)
		if !ok {
			return
		}
		msg = typed
	}

	var err error
	switch msg.Type {
	case link.TypeNewComponentInCluster:
		err = m.onNewComponent(msg, false)
	case link.TypeNewPeer:
		err = m.onNewComponent(msg, true)
	case link.TypeStateRehydrate:
		err = m.onStateRehydrate(msg)
	}
	if err != nil {
		m.logger.Warn("dropping message", "type", msg.Type, "sender", msg.SenderPort(), "error", err)
		m.metrics.ObserveDropped("malformed")
		return
	}

	m.events.Messages(msg.Type).Publish(msg)
}

// classify gives an untyped envelope a type from the shape of its payload:
// an array is a full registry snapshot, an object announces a single peer.
func (m *Manager) classify(msg *link.Message) (*link.Message, bool) {
	typed := *msg

	switch msg.PayloadShape() {
	case link.ShapeArray:
		typed.Type = link.TypeStateRehydrate
	case link.ShapeObject:
		typed.Type = link.TypeNewPeer
	default:
		m.logger.Warn("dropping unclassifiable message", "sender", msg.SenderPort())
		m.metrics.ObserveDropped("unclassifiable")
		return nil, false
	}
	return &typed, true
}

// onNewComponent registers an announced component. Peers announcing
// themselves are addressed by the port their link stamped, never by a port
// found in the payload.
func (m *Manager) onNewComponent(msg *link.Message, fromSender bool) error {
	if !fromSender && msg.PayloadShape() == link.ShapeArray {
		return m.onNewComponents(msg)
	}

	c, err := decodeComponent(msg)
	if err != nil {
		return err
	}
	if fromSender {
		c.Port = msg.SenderPort()
	}

	m.peers.Push(c)
	m.metrics.SetRegistrySize(m.peers.Len())
	m.logger.Info("new component in cluster", "peer", c.Name, "peer_port", c.Port)
	m.publishNewComponent(c)
	return nil
}

// onNewComponents merges an announcement of several components. Unlike a
// snapshot it keeps every registered component missing from the batch.
func (m *Manager) onNewComponents(msg *link.Message) error {
	comps, err := decodeSnapshot(msg)
	if err != nil {
		return err
	}

	m.peers.PushMultiple(comps)
	m.metrics.SetRegistrySize(m.peers.Len())
	m.logger.Info("new components in cluster", "count", len(comps))

	for _, c := range comps {
		m.publishNewComponent(c)
	}
	return nil
}

func (m *Manager) publishNewComponent(c Component) {
	m.events.NewComponent.Publish(NewComponentEvent{
		Name:         c.Name,
		Port:         c.Port,
		SchemaSource: c.Schema,
	})
}

func (m *Manager) onStateRehydrate(msg *link.Message) error {
	comps, err := decodeSnapshot(msg)
	if err != nil {
		return err
	}

	removed := m.peers.Rehydrate(comps)
	m.metrics.ObserveRehydration()
	m.metrics.SetRegistrySize(m.peers.Len())
	m.logger.Info("rehydrated registry", "components", len(comps), "removed", removed)

	m.events.StateRehydrated.Publish(StateRehydratedEvent{
		Components: m.peers.Components(),
		Removed:    removed,
		Digest:     m.peers.Digest(),
	})
	return nil
}

func (m *Manager) answerQuery(fn QueryHandler, msg *link.Message) {
	reply := &link.Message{
		ID:        msg.ID,
		Type:      link.TypeReply,
		Component: &link.ComponentRef{Name: m.name},
	}

	result, err := fn(m.ctx, msg)
	if err == nil {
		err = reply.SetPayload(result)
	}
	if err != nil {
		reply.Error = err.Error()
	}

	if err := m.link.SendMessage(msg.SenderPort(), reply); err != nil {
		m.logger.Warn("failed to send reply", "id", msg.ID, "to", msg.SenderPort(), "error", err)
	}
}

func (m *Manager) recordMiss(peer Component) {
	m.mu.Lock()
	m.misses[peer.Name]++
	n := m.misses[peer.Name]
	reached := n >= m.threshold
	if reached {
		delete(m.misses, peer.Name)
	}
	m.mu.Unlock()

	m.logger.Warn("exchange timed out", "peer", peer.Name, "peer_port", peer.Port, "misses", n)

	if reached {
		m.metrics.ObserveUnresponsive(peer.Name)
		m.events.UnresponsiveComponent.Publish(UnresponsiveComponentEvent{
			Name:   peer.Name,
			Port:   peer.Port,
			Misses: n,
		})
	}
}

func (m *Manager) resetMisses(name string) {
	m.mu.Lock()
	delete(m.misses, name)
	m.mu.Unlock()
}

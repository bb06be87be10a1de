package link

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
)

// senderPortHeader carries the sending link's port. Receivers trust it over
// any sender declared inside the envelope.
const senderPortHeader = "X-Graphlet-Port"

// NATSLink implements Link over NATS core pub/sub. Every link owns one
// subscription, so inbound messages are handled in order on one goroutine.
type NATSLink struct {
	cfg     Config
	nc      *nats.Conn
	ownConn bool
	subject string
	logger  *slog.Logger
	pending *pendingTable

	mu       sync.RWMutex
	handlers map[MessageType][]Handler
	all      []Handler
	sub      *nats.Subscription

	done      chan struct{}
	closeOnce sync.Once
}

var _ Link = (*NATSLink)(nil)

// Connect dials NATS and returns a link that owns the connection.
func Connect(cfg Config, urls ...string) (*NATSLink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one NATS URL is required")
	}

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("graphlet-%s-%d", cfg.ClusterID, cfg.Port)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.NATSCredentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.NATSCredentials))
	}

	nc, err := nats.Connect(strings.Join(urls, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}

	l, err := NewNATSLink(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	l.ownConn = true
	return l, nil
}

// NewNATSLink creates a link on an existing connection. The connection is
// not closed by Close.
func NewNATSLink(nc *nats.Conn, cfg Config) (*NATSLink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	subject := PortSubject(cfg.ClusterID, cfg.Port)
	if cfg.Orator {
		subject = OratorSubject(cfg.ClusterID)
	}

	l := &NATSLink{
		cfg:      cfg,
		nc:       nc,
		subject:  subject,
		logger:   cfg.Logger.With("component", "link", "cluster", cfg.ClusterID, "port", cfg.Port),
		pending:  newPendingTable(),
		handlers: make(map[MessageType][]Handler),
		done:     make(chan struct{}),
	}

	sub, err := nc.Subscribe(subject, l.handleMsg)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	l.sub = sub

	// Make sure the server knows the subscription before anyone sends to us.
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}

	l.logger.Debug("link listening", "subject", subject)
	return l, nil
}

// Port returns the port this link stamps on outgoing messages.
func (l *NATSLink) Port() int {
	return l.cfg.Port
}

// SendToServer publishes msg on the orator subject.
func (l *NATSLink) SendToServer(msg *Message) error {
	return l.publish(OratorSubject(l.cfg.ClusterID), msg)
}

// SendMessage publishes msg on the subject of the peer listening on port.
func (l *NATSLink) SendMessage(port int, msg *Message) error {
	return l.publish(PortSubject(l.cfg.ClusterID, port), msg)
}

// Exchange sends msg to port and waits for the correlated REPLY. A message
// without a correlation id is sent with a fresh one, PING messages carry it
// in Ref. msg itself is not modified.
func (l *NATSLink) Exchange(ctx context.Context, port int, msg *Message) (*Message, error) {
	out := *msg
	if out.CorrelationID() == "" {
		out.ID = nuid.Next()
		if out.Type == TypePing {
			out.Ref = out.ID
		}
	}
	id := out.CorrelationID()

	ch, ok := l.pending.add(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExchange, id)
	}

	if err := l.SendMessage(port, &out); err != nil {
		l.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(l.cfg.ExchangeTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		l.pending.remove(id)
		return nil, fmt.Errorf("%w: port %d after %s", ErrRequestTimeout, port, l.cfg.ExchangeTimeout)
	case <-ctx.Done():
		l.pending.remove(id)
		return nil, ctx.Err()
	case <-l.done:
		l.pending.remove(id)
		return nil, ErrLinkClosed
	}
}

// On subscribes h to inbound messages of type t.
func (l *NATSLink) On(t MessageType, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[t] = append(l.handlers[t], h)
}

// OnMessage subscribes h to every inbound message.
func (l *NATSLink) OnMessage(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, h)
}

// Close stops receiving and fails in-flight exchanges with ErrLinkClosed.
func (l *NATSLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if l.sub != nil {
			err = l.sub.Unsubscribe()
		}
		if l.ownConn {
			l.nc.Close()
		}
		l.logger.Debug("link closed")
	})
	return err
}

func (l *NATSLink) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *NATSLink) publish(subject string, msg *Message) error {
	if l.isClosed() {
		return ErrLinkClosed
	}

	out := *msg
	out.Sender = &Sender{Port: l.cfg.Port}

	data, err := encode(&out)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	nm := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	nm.Header.Set(senderPortHeader, strconv.Itoa(l.cfg.Port))

	if err := l.nc.PublishMsg(nm); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// handleMsg runs on the subscription's goroutine.
func (l *NATSLink) handleMsg(nm *nats.Msg) {
	msg, err := decode(nm.Data)
	if err != nil {
		l.logger.Warn("dropping malformed message", "subject", nm.Subject, "error", err)
		return
	}

	if v := nm.Header.Get(senderPortHeader); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			msg.Sender = &Sender{Port: port}
		}
	}

	if msg.Type == TypeReply {
		if !l.pending.resolve(msg.CorrelationID(), msg) {
			l.logger.Debug("discarding reply without pending exchange",
				"id", msg.CorrelationID(), "sender", msg.SenderPort())
		}
		return
	}

	l.dispatch(msg)
}

func (l *NATSLink) dispatch(msg *Message) {
	l.mu.RLock()
	typed := append([]Handler(nil), l.handlers[msg.Type]...)
	all := append([]Handler(nil), l.all...)
	l.mu.RUnlock()

	for _, h := range typed {
		l.call(h, msg)
	}
	for _, h := range all {
		l.call(h, msg)
	}
}

func (l *NATSLink) call(h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("message handler panicked", "type", msg.Type, "panic", r)
		}
	}()
	h(msg)
}

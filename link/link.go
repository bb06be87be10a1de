// Package link carries graphlet wire messages between components and the
// orator.
//
// A Link offers fire-and-forget sends, a correlated request/response
// exchange bounded by a timeout, and subscriptions to inbound messages by
// type. Inbound messages are dispatched on a single goroutine in arrival
// order, so handlers never run concurrently with each other.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const DefaultExchangeTimeout = 5 * time.Second

var (
	// ErrRequestTimeout indicates no reply arrived within the exchange window.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrLinkClosed indicates the link was closed.
	ErrLinkClosed = errors.New("link closed")

	// ErrDuplicateExchange indicates an exchange with the same correlation id
	// is already in flight.
	ErrDuplicateExchange = errors.New("exchange already in flight")
)

// Handler receives an inbound message.
type Handler func(msg *Message)

// Link is the transport contract the cluster core consumes.
type Link interface {
	// Port returns the port this link listens on.
	Port() int

	// SendToServer sends msg to the orator. No delivery guarantee.
	SendToServer(msg *Message) error

	// SendMessage sends msg to the peer listening on port. No delivery guarantee.
	SendMessage(port int, msg *Message) error

	// Exchange sends msg to the peer on port and waits for the REPLY carrying
	// the same correlation id. It fails with ErrRequestTimeout when the
	// link's exchange window elapses.
	Exchange(ctx context.Context, port int, msg *Message) (*Message, error)

	// On subscribes h to inbound messages of type t.
	On(t MessageType, h Handler)

	// OnMessage subscribes h to every inbound message.
	OnMessage(h Handler)

	Close() error
}

// Config configures a NATS link.
type Config struct {
	ClusterID string

	// Port is the address this link listens on and stamps as sender.
	Port int

	// Orator makes the link listen on the cluster's orator subject
	// instead of its port subject.
	Orator bool

	ExchangeTimeout time.Duration

	NATSCredentials string
	Logger          *slog.Logger
}

func (c *Config) Validate() error {
	if c.ClusterID == "" {
		return fmt.Errorf("ClusterID is required")
	}
	if c.Port < 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !c.Orator && c.Port == 0 {
		return fmt.Errorf("port is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ExchangeTimeout == 0 {
		c.ExchangeTimeout = DefaultExchangeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PortSubject returns the subject a component link listens on.
func PortSubject(clusterID string, port int) string {
	return fmt.Sprintf("graphlet.%s.component.%d", clusterID, port)
}

// OratorSubject returns the subject the orator listens on.
func OratorSubject(clusterID string) string {
	return fmt.Sprintf("graphlet.%s.orator", clusterID)
}

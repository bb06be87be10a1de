// Package graphlet lets independent components discover each other over NATS,
// exchange typed request/response messages and share an eventually
// consistent view of cluster membership.
//
// Every component runs a [Manager] on top of a [link.Link]. A coordinating
// node, the [Orator], keeps the authoritative registry: components announce
// themselves to it, receive a snapshot of the whole cluster in return, and
// hear about later joiners incrementally. The orator pings every member
// periodically and evicts those that stop answering.
//
// # Quick Start
//
//	l, err := link.Connect(link.Config{ClusterID: "shop", Port: 4001}, "nats://localhost:4222")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Close()
//
//	mgr, err := graphlet.NewManager(graphlet.Config{Name: "orders", Link: l})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	mgr.RespondOnQuery(func(ctx context.Context, msg *link.Message) (any, error) {
//	    return map[string]string{"orders": "[]"}, nil
//	})
//
//	if err := mgr.ConnectToCluster(map[string]any{"schema": "type Query { orders: String }"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	reply, err := mgr.Exchange(ctx, "inventory", map[string]string{"query": "{ stock }"})
//	if err != nil {
//	    log.Fatal(err) // inventory is not in the registry
//	}
//	if reply == nil {
//	    // inventory did not answer in time and was reported unresponsive
//	}
//
// # Events
//
// The manager publishes on typed topics returned by [Manager.Events]:
// NewComponent, StateRehydrated and UnresponsiveComponent, plus one topic per
// inbound message type via [Events.Messages]. Subscriptions are buffered
// channels; a subscriber that falls behind misses events.
//
// # Untyped messages
//
// Envelopes without a type are classified by payload shape. An array is a
// full registry snapshot, an object announces the sending component, which
// is registered at the port stamped by its link.
package graphlet

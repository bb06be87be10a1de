package graphlet_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	graphlet "github.com/ozanturksever/go-graphlet"
	"github.com/ozanturksever/go-graphlet/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshotEntry struct {
	Name  string `json:"name"`
	Port  int    `json:"port"`
	State struct {
		SchemaSource string `json:"schemaSource"`
	} `json:"state"`
}

func newTestOrator(t *testing.T, fl *fakeLink) *graphlet.Orator {
	t.Helper()

	o, err := graphlet.NewOrator(graphlet.OratorConfig{Link: fl})
	require.NoError(t, err)
	return o
}

func connectMessage(t *testing.T, name string, port int, schema string) *link.Message {
	t.Helper()

	msg, err := link.NewMessage(link.TypeConnectAsNewComponent, map[string]any{
		"component": link.ComponentRef{Name: name, Role: "COMPONENT"},
		"schema":    schema,
	})
	require.NoError(t, err)
	msg.Sender = &link.Sender{Port: port}
	return msg
}

func sentOfType(sent []sentMessage, t link.MessageType) []sentMessage {
	var out []sentMessage
	for _, s := range sent {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func decodeEntries(t *testing.T, msg *link.Message) []snapshotEntry {
	t.Helper()

	var entries []snapshotEntry
	require.NoError(t, msg.DecodePayload(&entries))
	return entries
}

func TestNewOrator_Validate(t *testing.T) {
	_, err := graphlet.NewOrator(graphlet.OratorConfig{})
	assert.Error(t, err)
}

func TestOrator_ConnectSendsSnapshotAndAnnounces(t *testing.T) {
	fl := newFakeLink(0)
	o := newTestOrator(t, fl)

	fl.deliver(connectMessage(t, "a", 4001, "sa"))

	sent := fl.sentMessages()
	require.Len(t, sent, 1, "first joiner only gets a snapshot")
	assert.Equal(t, 4001, sent[0].port)
	assert.Equal(t, link.TypeStateRehydrate, sent[0].msg.Type)

	entries := decodeEntries(t, sent[0].msg)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, 4001, entries[0].Port)
	assert.Equal(t, "sa", entries[0].State.SchemaSource)

	fl.deliver(connectMessage(t, "b", 4002, "sb"))

	sent = fl.sentMessages()[1:]
	snapshots := sentOfType(sent, link.TypeStateRehydrate)
	require.Len(t, snapshots, 1)
	assert.Equal(t, 4002, snapshots[0].port)
	assert.Len(t, decodeEntries(t, snapshots[0].msg), 2)

	announcements := sentOfType(sent, link.TypeNewComponentInCluster)
	require.Len(t, announcements, 1)
	assert.Equal(t, 4001, announcements[0].port)

	var announced struct {
		Name   string `json:"name"`
		Port   int    `json:"port"`
		Schema string `json:"schema"`
	}
	require.NoError(t, announcements[0].msg.DecodePayload(&announced))
	assert.Equal(t, "b", announced.Name)
	assert.Equal(t, 4002, announced.Port)
	assert.Equal(t, "sb", announced.Schema)

	assert.Equal(t, []graphlet.Component{
		{Name: "a", Port: 4001, Schema: "sa"},
		{Name: "b", Port: 4002, Schema: "sb"},
	}, o.Snapshot())
}

func TestOrator_ReconnectReplacesPort(t *testing.T) {
	fl := newFakeLink(0)
	o := newTestOrator(t, fl)

	fl.deliver(connectMessage(t, "a", 4001, "s"))
	fl.deliver(connectMessage(t, "a", 4010, "s2"))

	got, err := o.Registry().Get("a")
	require.NoError(t, err)
	assert.Equal(t, graphlet.Component{Name: "a", Port: 4010, Schema: "s2"}, got)
	assert.Empty(t, sentOfType(fl.sentMessages(), link.TypeNewComponentInCluster))
}

func TestOrator_DropsMalformedConnect(t *testing.T) {
	fl := newFakeLink(0)
	o := newTestOrator(t, fl)

	fl.deliver(&link.Message{Type: link.TypeConnectAsNewComponent, Sender: &link.Sender{Port: 4001}})
	fl.deliver(connectMessage(t, "", 4001, "s"))
	fl.deliver(connectMessage(t, "a", 0, "s"))

	assert.Equal(t, 0, o.Registry().Len())
	assert.Empty(t, fl.sentMessages())
}

func TestOrator_HeartbeatEvictsAndRebroadcasts(t *testing.T) {
	fl := newFakeLink(0)
	o := newTestOrator(t, fl)

	fl.deliver(connectMessage(t, "a", 4001, "sa"))
	fl.deliver(connectMessage(t, "b", 4002, "sb"))
	fl.deliver(connectMessage(t, "c", 4003, "sc"))
	before := len(fl.sentMessages())

	fl.exchangeFn = func(ctx context.Context, port int, msg *link.Message) (*link.Message, error) {
		if msg.Type != link.TypePing {
			return nil, fmt.Errorf("unexpected %s", msg.Type)
		}
		if port == 4002 {
			return timeoutExchange(ctx, port, msg)
		}
		return &link.Message{Type: link.TypeReply}, nil
	}

	evicted := o.Heartbeat(context.Background())
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, 3, fl.exchangeCount())

	sent := fl.sentMessages()[before:]
	require.Len(t, sent, 2)
	ports := make([]int, 0, len(sent))
	for _, s := range sent {
		assert.Equal(t, link.TypeStateRehydrate, s.msg.Type)
		entries := decodeEntries(t, s.msg)
		require.Len(t, entries, 2)
		assert.Equal(t, "a", entries[0].Name)
		assert.Equal(t, "c", entries[1].Name)
		ports = append(ports, s.port)
	}
	assert.ElementsMatch(t, []int{4001, 4003}, ports)

	// Nothing changed, so nothing is pushed.
	assert.Empty(t, o.Heartbeat(context.Background()))
	assert.Len(t, fl.sentMessages(), before+2)
}

// removeHookRegistry runs onRemove after every removal.
type removeHookRegistry struct {
	*graphlet.Registry
	onRemove func(name string)
}

func (r *removeHookRegistry) Remove(name string) bool {
	ok := r.Registry.Remove(name)
	r.onRemove(name)
	return ok
}

func TestOrator_JoinDuringEvictionStillBroadcastsEviction(t *testing.T) {
	fl := newFakeLink(0)
	joined := make(chan struct{})
	reg := &removeHookRegistry{Registry: graphlet.NewRegistry()}

	o, err := graphlet.NewOrator(graphlet.OratorConfig{Link: fl, Registry: reg})
	require.NoError(t, err)

	fl.deliver(connectMessage(t, "a", 4001, "sa"))
	fl.deliver(connectMessage(t, "b", 4002, "sb"))
	before := len(fl.sentMessages())

	// A component joins while b is being evicted.
	late := connectMessage(t, "j", 4003, "sj")
	reg.onRemove = func(string) {
		go func() {
			fl.deliver(late)
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(100 * time.Millisecond):
		}
	}
	fl.exchangeFn = func(ctx context.Context, port int, msg *link.Message) (*link.Message, error) {
		if port == 4002 {
			return timeoutExchange(ctx, port, msg)
		}
		return &link.Message{Type: link.TypeReply}, nil
	}

	assert.Equal(t, []string{"b"}, o.Heartbeat(context.Background()))

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join was never handled")
	}

	var told bool
	for _, s := range fl.sentMessages()[before:] {
		if s.port != 4001 || s.msg.Type != link.TypeStateRehydrate {
			continue
		}
		told = true
		for _, e := range decodeEntries(t, s.msg) {
			assert.NotEqual(t, "b", e.Name)
		}
	}
	assert.True(t, told, "a is sent a snapshot without b")

	assert.Equal(t, []string{"a", "j"}, reg.Names())
	assert.Empty(t, o.Heartbeat(context.Background()))
}

func TestOrator_HeartbeatIgnoresOtherErrors(t *testing.T) {
	fl := newFakeLink(0)
	o := newTestOrator(t, fl)
	fl.deliver(connectMessage(t, "a", 4001, "sa"))

	fl.exchangeFn = func(ctx context.Context, port int, msg *link.Message) (*link.Message, error) {
		return nil, link.ErrLinkClosed
	}

	assert.Empty(t, o.Heartbeat(context.Background()))
	assert.Equal(t, 1, o.Registry().Len())
}

func TestOrator_StartStop(t *testing.T) {
	o := newTestOrator(t, newFakeLink(0))

	assert.ErrorIs(t, o.Stop(), graphlet.ErrOratorNotRunning)

	require.NoError(t, o.Start(context.Background()))
	assert.ErrorIs(t, o.Start(context.Background()), graphlet.ErrOratorAlreadyRunning)

	require.NoError(t, o.Stop())
	assert.ErrorIs(t, o.Stop(), graphlet.ErrOratorNotRunning)
}

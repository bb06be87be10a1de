package link_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ozanturksever/go-graphlet/link"
	"github.com/ozanturksever/go-graphlet/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLink(t *testing.T, ns *testutil.NATSServer, port int, timeout time.Duration) *link.NATSLink {
	t.Helper()

	l, err := link.Connect(link.Config{
		ClusterID:       "linktest",
		Port:            port,
		ExchangeTimeout: timeout,
	}, ns.URL())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// replyOnQuery answers every QUERY with a REPLY echoing the query payload.
func replyOnQuery(l *link.NATSLink, delay time.Duration) {
	l.On(link.TypeQuery, func(msg *link.Message) {
		reply := &link.Message{ID: msg.ID, Type: link.TypeReply, Payload: msg.Payload}
		port := msg.SenderPort()
		if delay == 0 {
			l.SendMessage(port, reply)
			return
		}
		go func() {
			time.Sleep(delay)
			l.SendMessage(port, reply)
		}()
	})
}

func receive(t *testing.T, ch <-chan *link.Message) *link.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     link.Config
		wantErr bool
	}{
		{"component", link.Config{ClusterID: "c", Port: 4001}, false},
		{"orator without port", link.Config{ClusterID: "c", Orator: true}, false},
		{"missing cluster", link.Config{Port: 4001}, true},
		{"missing port", link.Config{ClusterID: "c"}, true},
		{"negative port", link.Config{ClusterID: "c", Port: -1, Orator: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNATSLink_SendMessageStampsSender(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, time.Second)
	b := newLink(t, ns, 7002, time.Second)

	got := make(chan *link.Message, 1)
	b.On(link.TypeQuery, func(msg *link.Message) { got <- msg })

	msg, err := link.NewMessage(link.TypeQuery, map[string]string{"q": "{ hello }"})
	require.NoError(t, err)
	msg.Sender = &link.Sender{Port: 9999}

	require.NoError(t, a.SendMessage(7002, msg))

	in := receive(t, got)
	assert.Equal(t, link.TypeQuery, in.Type)
	assert.Equal(t, 7001, in.SenderPort(), "sender is stamped by the sending link")
	assert.JSONEq(t, `{"q":"{ hello }"}`, string(in.Payload))
	assert.Equal(t, 9999, msg.SenderPort(), "caller's message is not mutated")
}

func TestNATSLink_SendToServer(t *testing.T) {
	ns := testutil.StartNATS(t)
	comp := newLink(t, ns, 7001, time.Second)

	orator, err := link.Connect(link.Config{ClusterID: "linktest", Orator: true}, ns.URL())
	require.NoError(t, err)
	defer orator.Close()

	got := make(chan *link.Message, 1)
	orator.On(link.TypeConnectAsNewComponent, func(msg *link.Message) { got <- msg })

	require.NoError(t, comp.SendToServer(&link.Message{Type: link.TypeConnectAsNewComponent}))

	in := receive(t, got)
	assert.Equal(t, 7001, in.SenderPort())
}

func TestNATSLink_OnMessageSeesEverything(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, time.Second)
	b := newLink(t, ns, 7002, time.Second)

	got := make(chan *link.Message, 2)
	b.OnMessage(func(msg *link.Message) { got <- msg })

	require.NoError(t, a.SendMessage(7002, &link.Message{Type: link.TypePing, Ref: "r1"}))
	require.NoError(t, a.SendMessage(7002, &link.Message{Payload: []byte(`[{"name":"x"}]`)}))

	first := receive(t, got)
	second := receive(t, got)
	assert.Equal(t, link.TypePing, first.Type)
	assert.Equal(t, "r1", first.CorrelationID())
	assert.Empty(t, second.Type)
	assert.Equal(t, link.ShapeArray, second.PayloadShape())
}

func TestNATSLink_Exchange(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, time.Second)
	b := newLink(t, ns, 7002, time.Second)
	replyOnQuery(b, 0)

	msg, err := link.NewMessage(link.TypeQuery, "ping?")
	require.NoError(t, err)

	reply, err := a.Exchange(context.Background(), 7002, msg)
	require.NoError(t, err)
	assert.Equal(t, link.TypeReply, reply.Type)
	assert.NotEmpty(t, reply.ID, "exchange assigns a correlation id")
	assert.Empty(t, msg.ID, "the caller's message is left untouched")
	assert.Equal(t, 7002, reply.SenderPort())

	var payload string
	require.NoError(t, reply.DecodePayload(&payload))
	assert.Equal(t, "ping?", payload)
}

func TestNATSLink_ExchangeTimeout(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, 100*time.Millisecond)

	start := time.Now()
	_, err := a.Exchange(context.Background(), 7999, &link.Message{Type: link.TypeQuery})
	require.Error(t, err)
	assert.True(t, errors.Is(err, link.ErrRequestTimeout), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestNATSLink_ExchangeContextCanceled(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Exchange(ctx, 7999, &link.Message{Type: link.TypeQuery})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, link.ErrRequestTimeout))
}

func TestNATSLink_DuplicateCorrelationID(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, 300*time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		_, err := a.Exchange(context.Background(), 7999, &link.Message{ID: "same", Type: link.TypeQuery})
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := a.Exchange(context.Background(), 7999, &link.Message{ID: "same", Type: link.TypeQuery})
	assert.ErrorIs(t, err, link.ErrDuplicateExchange)
	assert.ErrorIs(t, <-errs, link.ErrRequestTimeout)
}

func TestNATSLink_ConcurrentExchangesShareMessage(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, 2*time.Second)
	b := newLink(t, ns, 7002, time.Second)
	replyOnQuery(b, 100*time.Millisecond)

	msg, err := link.NewMessage(link.TypeQuery, "shared")
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := a.Exchange(context.Background(), 7002, msg)
			if assert.NoError(t, err) {
				ids[i] = reply.ID
			}
		}(i)
	}
	wg.Wait()

	assert.NotEmpty(t, ids[0])
	assert.NotEmpty(t, ids[1])
	assert.NotEqual(t, ids[0], ids[1])
	assert.Empty(t, msg.ID)
}

func TestNATSLink_ConcurrentExchangesResolveIndependently(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, 2*time.Second)
	slow := newLink(t, ns, 7002, time.Second)
	fast := newLink(t, ns, 7003, time.Second)
	replyOnQuery(slow, 400*time.Millisecond)
	replyOnQuery(fast, 0)

	type result struct {
		payload string
		at      time.Time
	}
	var wg sync.WaitGroup
	results := make([]result, 2)

	exchange := func(i, port int, payload string) {
		defer wg.Done()
		msg, err := link.NewMessage(link.TypeQuery, payload)
		if !assert.NoError(t, err) {
			return
		}
		reply, err := a.Exchange(context.Background(), port, msg)
		if !assert.NoError(t, err) {
			return
		}
		var got string
		assert.NoError(t, reply.DecodePayload(&got))
		results[i] = result{payload: got, at: time.Now()}
	}

	wg.Add(2)
	go exchange(0, 7002, "for-slow")
	time.Sleep(20 * time.Millisecond)
	go exchange(1, 7003, "for-fast")
	wg.Wait()

	assert.Equal(t, "for-slow", results[0].payload)
	assert.Equal(t, "for-fast", results[1].payload)
	assert.True(t, results[1].at.Before(results[0].at), "fast reply is not blocked by the slow one")
}

func TestNATSLink_LateReplyIsDiscarded(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, 100*time.Millisecond)
	b := newLink(t, ns, 7002, time.Second)
	replyOnQuery(b, 300*time.Millisecond)

	seen := make(chan *link.Message, 1)
	a.OnMessage(func(msg *link.Message) { seen <- msg })

	_, err := a.Exchange(context.Background(), 7002, &link.Message{Type: link.TypeQuery})
	require.ErrorIs(t, err, link.ErrRequestTimeout)

	select {
	case msg := <-seen:
		t.Fatalf("late reply was delivered: %+v", msg)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestNATSLink_MalformedMessageDoesNotStopDispatch(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, time.Second)
	b := newLink(t, ns, 7002, time.Second)

	got := make(chan *link.Message, 1)
	b.On(link.TypeQuery, func(msg *link.Message) {
		if string(msg.Payload) == `"boom"` {
			panic("handler failure")
		}
		got <- msg
	})

	nc := ns.Connect(t)
	require.NoError(t, nc.Publish(link.PortSubject("linktest", 7002), []byte("not json")))

	boom, err := link.NewMessage(link.TypeQuery, "boom")
	require.NoError(t, err)
	require.NoError(t, a.SendMessage(7002, boom))

	ok, err := link.NewMessage(link.TypeQuery, "fine")
	require.NoError(t, err)
	require.NoError(t, a.SendMessage(7002, ok))

	in := receive(t, got)
	assert.JSONEq(t, `"fine"`, string(in.Payload))
}

func TestNATSLink_Close(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newLink(t, ns, 7001, 5*time.Second)

	errs := make(chan error, 1)
	go func() {
		_, err := a.Exchange(context.Background(), 7999, &link.Message{Type: link.TypeQuery})
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "close is idempotent")

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, link.ErrLinkClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("exchange did not return after close")
	}

	assert.ErrorIs(t, a.SendMessage(7002, &link.Message{Type: link.TypeQuery}), link.ErrLinkClosed)
}

package ipcbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPropertyPublishAndRetain(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("updatemgr")

	path := ObjectPath("software", "bmc_4821")
	conn.Publish(conn.NewMessage(Property(path, "state"), "Ready", true))

	sub := conn.Subscribe(Property(path, "state"))
	defer sub.Unsubscribe()

	select {
	case got := <-sub.Channel():
		require.Equal(t, "Ready", got.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retained property")
	}
}

func TestMethodRequestReply(t *testing.T) {
	b := NewBus(4)
	server := b.NewConnection("server")
	client := b.NewConnection("client")

	path := ObjectPath("software", "bmc_4821")
	methodTopic := Method(path, "Update", "StartUpdate")

	calls := server.Subscribe(methodTopic)
	defer calls.Unsubscribe()

	go func() {
		req := <-calls.Channel()
		server.Reply(req, path, false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.RequestWait(ctx, client.NewMessage(methodTopic, "fd:7", false))
	require.NoError(t, err)
	require.Equal(t, path, reply.Payload)
}

func TestWildcardSubscription(t *testing.T) {
	b := NewBus(8)
	conn := b.NewConnection("watcher")

	sub := conn.Subscribe(T("software", conn.bus.sWild, "activation", "state"))
	defer sub.Unsubscribe()

	conn.Publish(conn.NewMessage(T("software", "bmc_4821", "activation", "state"), "Activating", false))

	select {
	case got := <-sub.Channel():
		require.Equal(t, "Activating", got.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wildcard match")
	}
}

package chaman

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/wwwVladislav/MedvedDB/internal/config"
	"github.com/wwwVladislav/MedvedDB/internal/scheduler"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDialHandshakeProducesPeerChannelsOnBothSides(t *testing.T) {
	cfg := config.ConnectionConfig{RetryInterval: 200 * time.Millisecond}

	gotA := make(chan *Channel, 1)
	gotB := make(chan *Channel, 1)

	poolA := scheduler.NewPool(context.Background())
	poolB := scheduler.NewPool(context.Background())
	t.Cleanup(func() { poolA.Close(); poolB.Close() })

	a := Create(testLogger(), poolA, cfg, Identity{UUID: uuid.New(), ListenAddress: "127.0.0.1:0"}, func(ch *Channel) { gotA <- ch })
	b := Create(testLogger(), poolB, cfg, Identity{UUID: uuid.New(), ListenAddress: "127.0.0.1:0"}, func(ch *Channel) { gotB <- ch })
	t.Cleanup(func() { a.Close(); b.Close() })

	require.NoError(t, b.Listen("127.0.0.1:18475"))
	require.NoError(t, a.Dial("127.0.0.1:18475", wire.ChannelPeer))

	select {
	case ch := <-gotA:
		require.Equal(t, DirOut, ch.Direction)
		require.Equal(t, wire.ChannelPeer, ch.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("dialer never produced a channel")
	}
	select {
	case ch := <-gotB:
		require.Equal(t, DirIn, ch.Direction)
		require.Equal(t, wire.ChannelPeer, ch.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never produced a channel")
	}
}

func TestDialExistingEntryIsANoOp(t *testing.T) {
	cfg := config.ConnectionConfig{RetryInterval: time.Second}
	pool := scheduler.NewPool(context.Background())
	t.Cleanup(func() { pool.Close() })
	m := Create(testLogger(), pool, cfg, Identity{UUID: uuid.New()}, nil)
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Dial("127.0.0.1:1", wire.ChannelPeer))
	require.NoError(t, m.Dial("127.0.0.1:1", wire.ChannelPeer))
	require.Len(t, m.dialers, 1)
}

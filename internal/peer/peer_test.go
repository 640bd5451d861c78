package peer

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/wwwVladislav/MedvedDB/internal/chaman"
	"github.com/wwwVladislav/MedvedDB/internal/dispatcher"
	"github.com/wwwVladislav/MedvedDB/internal/ebus"
	"github.com/wwwVladislav/MedvedDB/internal/tracker"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

func pipeChannels(t *testing.T) (*chaman.Channel, *chaman.Channel) {
	t.Helper()
	c1, c2 := net.Pipe()
	log := testLogger()
	d1 := dispatcher.New(log, c1)
	d2 := dispatcher.New(log, c2)
	t.Cleanup(func() { d1.Close(); d2.Close() })
	go func() {
		for {
			if err := d1.Read(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if err := d2.Read(); err != nil {
				return
			}
		}
	}()
	chA := &chaman.Channel{Disp: d1, Direction: chaman.DirOut, Type: wire.ChannelPeer, PeerUUID: uuid.New()}
	chB := &chaman.Channel{Disp: d2, Direction: chaman.DirIn, Type: wire.ChannelPeer, PeerUUID: uuid.New()}
	return chA, chB
}

func TestAddChannelSendsTopoSync(t *testing.T) {
	self := uuid.New()
	bus := ebus.New(testLogger(), 1)
	trk := tracker.New(testLogger(), bus, self, "127.0.0.1:9000")

	chA, chB := pipeChannels(t)
	m := New(testLogger(), bus, trk, self)

	got := make(chan wire.P2PTopoSync, 1)
	chA.Disp.Register(wire.MsgP2PTopoSync, nil, func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var msg wire.P2PTopoSync
		require.NoError(t, wire.Unmarshal(f.Payload, &msg))
		got <- msg
		return nil
	})

	m.AddChannel(chB)

	select {
	case msg := <-got:
		require.EqualValues(t, 2, msg.Topology.NC) // self plus the newly linked peer
	case <-time.After(time.Second):
		t.Fatal("never received topology sync")
	}
}

func TestHandleTopoSyncPublishesEvent(t *testing.T) {
	self := uuid.New()
	bus := ebus.New(testLogger(), 1)
	trk := tracker.New(testLogger(), bus, self, "127.0.0.1:9000")

	chA, chB := pipeChannels(t)
	m := New(testLogger(), bus, trk, self)
	chB.Disp.Register(wire.MsgP2PTopoSync, nil, m.handleTopoSync)

	got := make(chan *wire.TopologySerialized, 1)
	bus.Subscribe(ebus.TopologySync, nil, func(e *ebus.Event) error {
		topo, ok := e.Payload.(*wire.TopologySerialized)
		if ok {
			got <- topo
		}
		return nil
	})

	sent := wire.TopologySerialized{NC: 2, N: []wire.NodeEntry{{U1: 1, U2: 2, A: "a"}, {U1: 3, U2: 4, A: "b"}}}
	require.NoError(t, chA.Disp.Post(wire.MsgP2PTopoSync, wire.P2PTopoSync{Topology: sent}))

	select {
	case topo := <-got:
		require.Len(t, topo.N, 2)
	case <-time.After(time.Second):
		t.Fatal("never published topology_sync event")
	}
}

func TestBroadcastFloodsAndSuppressesLoop(t *testing.T) {
	self := uuid.New()
	bus := ebus.New(testLogger(), 1)
	trk := tracker.New(testLogger(), bus, self, "127.0.0.1:9000")
	m := New(testLogger(), bus, trk, self)

	chA, chB := pipeChannels(t)
	m.channels[chB.PeerUUID] = chB

	gotOnA := make(chan wire.P2PBroadcast, 1)
	chA.Disp.Register(wire.MsgP2PBroadcast, nil, func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var msg wire.P2PBroadcast
		require.NoError(t, wire.Unmarshal(f.Payload, &msg))
		gotOnA <- msg
		return nil
	})

	delivered := make(chan []byte, 1)
	bus.Subscribe(ebus.Broadcast, nil, func(e *ebus.Event) error {
		if data, ok := e.Payload.([]byte); ok {
			delivered <- data
		}
		return nil
	})

	incoming := wire.P2PBroadcast{MsgID: 42, Data: []byte("hello"), Notified: [][16]byte{[16]byte(uuid.New())}}
	require.NoError(t, m.handleBroadcast(chB.Disp, frameFor(t, wire.MsgP2PBroadcast, incoming)))

	select {
	case data := <-delivered:
		require.Equal(t, "hello", string(data))
	case <-time.After(time.Second):
		t.Fatal("never published broadcast event locally")
	}

	select {
	case fwd := <-gotOnA:
		require.Equal(t, uint32(42), fwd.MsgID)
		require.Len(t, fwd.Notified, 2)
	case <-time.After(time.Second):
		t.Fatal("never forwarded broadcast to the other channel")
	}

	// A second delivery of the same MsgID is a duplicate and must not
	// re-publish or re-forward.
	require.NoError(t, m.handleBroadcast(chB.Disp, frameFor(t, wire.MsgP2PBroadcast, incoming)))
	select {
	case <-delivered:
		t.Fatal("duplicate broadcast should not be republished")
	case <-time.After(50 * time.Millisecond):
	}
}

func frameFor(t *testing.T, id uint16, payload interface{}) *wire.Frame {
	t.Helper()
	body, err := wire.Marshal(payload)
	require.NoError(t, err)
	return &wire.Frame{MessageID: id, Payload: body}
}

package sync

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/wwwVladislav/MedvedDB/internal/chaman"
	"github.com/wwwVladislav/MedvedDB/internal/dispatcher"
	"github.com/wwwVladislav/MedvedDB/internal/ebus"
	"github.com/wwwVladislav/MedvedDB/internal/errcode"
	"github.com/wwwVladislav/MedvedDB/internal/scheduler"
	"github.com/wwwVladislav/MedvedDB/internal/storage"
	"github.com/wwwVladislav/MedvedDB/internal/trlog"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

func openTestRegistry(t *testing.T) *trlog.Registry {
	t.Helper()
	dir, err := os.MkdirTemp("", "sync-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	eng, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return trlog.NewRegistry(eng)
}

type fixedLister struct{ ids []uuid.UUID }

func (l fixedLister) TrlogUUIDs() []uuid.UUID { return l.ids }

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
	chA := &chaman.Channel{Disp: d1, Direction: chaman.DirOut, Type: wire.ChannelPeer}
	chB := &chaman.Channel{Disp: d2, Direction: chaman.DirIn, Type: wire.ChannelPeer}
	return chA, chB
}

func TestHandleTrlogSyncRepliesWithStateOnly(t *testing.T) {
	reg := openTestRegistry(t)
	id := uuid.New()
	tl, err := reg.Open(id)
	require.NoError(t, err)
	tl.Reserve(3)
	require.NoError(t, tl.Append([]trlog.Record{{RowID: 1, Op: []byte("a")}, {RowID: 2, Op: []byte("b")}, {RowID: 3, Op: []byte("c")}}))
	tl.Release()

	chA, chB := pipeChannels(t)
	s := newSlot(testLogger(), ebus.New(testLogger(), 1), scheduler.NewPool(context.Background()), reg, fixedLister{}, uuid.New(), chB, DefaultConfig())
	chB.Disp.Register(wire.MsgP2PTrlogSync, nil, s.handleTrlogSync)

	got := make(chan wire.P2PTrlogState, 1)
	chA.Disp.Register(wire.MsgP2PTrlogState, nil, func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var m wire.P2PTrlogState
		require.NoError(t, wire.Unmarshal(f.Payload, &m))
		got <- m
		return nil
	})
	gotData := make(chan wire.P2PTrlogData, 1)
	chA.Disp.Register(wire.MsgP2PTrlogData, nil, func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var m wire.P2PTrlogData
		require.NoError(t, wire.Unmarshal(f.Payload, &m))
		gotData <- m
		return nil
	})

	require.NoError(t, chA.Disp.Post(wire.MsgP2PTrlogSync, wire.P2PTrlogSync{Trlog: id, From: 3}))

	select {
	case st := <-got:
		require.EqualValues(t, 3, st.Top)
	case <-time.After(time.Second):
		t.Fatal("never received trlog state reply")
	}
	select {
	case <-gotData:
		t.Fatal("should not push data when asker is already at top")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleTrlogSyncPushesBatchWhenAskerIsBehind(t *testing.T) {
	reg := openTestRegistry(t)
	id := uuid.New()
	tl, err := reg.Open(id)
	require.NoError(t, err)
	tl.Reserve(3)
	require.NoError(t, tl.Append([]trlog.Record{{RowID: 1, Op: []byte("a")}, {RowID: 2, Op: []byte("b")}, {RowID: 3, Op: []byte("c")}}))
	tl.Release()

	chA, chB := pipeChannels(t)
	s := newSlot(testLogger(), ebus.New(testLogger(), 1), scheduler.NewPool(context.Background()), reg, fixedLister{}, uuid.New(), chB, DefaultConfig())
	chB.Disp.Register(wire.MsgP2PTrlogSync, nil, s.handleTrlogSync)

	gotData := make(chan wire.P2PTrlogData, 1)
	chA.Disp.Register(wire.MsgP2PTrlogData, nil, func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var m wire.P2PTrlogData
		require.NoError(t, wire.Unmarshal(f.Payload, &m))
		gotData <- m
		return nil
	})
	chA.Disp.Register(wire.MsgP2PTrlogState, nil, func(d *dispatcher.Dispatcher, f *wire.Frame) error { return nil })

	require.NoError(t, chA.Disp.Post(wire.MsgP2PTrlogSync, wire.P2PTrlogSync{Trlog: id, From: 0}))

	select {
	case batch := <-gotData:
		require.Len(t, batch.Rows, 3)
		require.EqualValues(t, 1, batch.Rows[0].RowID)
		require.EqualValues(t, 3, batch.Rows[2].RowID)
	case <-time.After(time.Second):
		t.Fatal("never received trlog data batch")
	}
}

func TestOnTrlogStateTransitions(t *testing.T) {
	reg := openTestRegistry(t)
	_, chB := pipeChannels(t)
	s := newSlot(testLogger(), ebus.New(testLogger(), 1), scheduler.NewPool(context.Background()), reg, fixedLister{}, uuid.New(), chB, DefaultConfig())

	id := uuid.New()
	p := s.entry(id)
	p.state = Querying
	p.appliedTop = 5

	s.onTrlogState(trlogStateMsg{trlogUUID: id, top: 3})
	require.Equal(t, Idle, p.state)

	p.state = Querying
	s.onTrlogState(trlogStateMsg{trlogUUID: id, top: 9})
	require.Equal(t, Fetching, p.state)
	require.EqualValues(t, 9, p.remoteTop)
}

func TestApplyBatchAppendsAndReportsTop(t *testing.T) {
	reg := openTestRegistry(t)
	_, chB := pipeChannels(t)
	bus := ebus.New(testLogger(), 1)
	s := newSlot(testLogger(), bus, scheduler.NewPool(context.Background()), reg, fixedLister{}, uuid.New(), chB, DefaultConfig())

	id := uuid.New()
	top, err := s.applyBatch(id, []trlog.Record{{RowID: 1, Op: []byte("x")}, {RowID: 2, Op: []byte("y")}})
	require.NoError(t, err)
	require.EqualValues(t, 2, top)

	tl, err := reg.Open(id)
	require.NoError(t, err)
	require.EqualValues(t, 2, tl.Top())
	tl.Release()
}

func TestOnApplyDoneReissuesQueryOnGap(t *testing.T) {
	reg := openTestRegistry(t)
	chA, chB := pipeChannels(t)
	id := uuid.New()

	s := newSlot(testLogger(), ebus.New(testLogger(), 1), scheduler.NewPool(context.Background()), reg, fixedLister{}, uuid.New(), chB, DefaultConfig())
	p := s.entry(id)
	p.state = Applying
	p.appliedTop = 0

	got := make(chan wire.P2PTrlogSync, 1)
	chA.Disp.Register(wire.MsgP2PTrlogSync, nil, func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var m wire.P2PTrlogSync
		require.NoError(t, wire.Unmarshal(f.Payload, &m))
		got <- m
		return nil
	})

	s.onApplyDone(applyDoneMsg{trlogUUID: id, err: errcode.New(errcode.InvalidArg, "out-of-order trlog batch: gap in row ids")})

	select {
	case m := <-got:
		require.Equal(t, id, m.Trlog)
	case <-time.After(time.Second):
		t.Fatal("never reissued trlog sync after a gap")
	}
	require.Equal(t, Querying, p.state)
}

func TestSlotStateMachineEndToEndViaActor(t *testing.T) {
	leaderReg := openTestRegistry(t)
	followerReg := openTestRegistry(t)
	id := uuid.New()

	leaderTl, err := leaderReg.Open(id)
	require.NoError(t, err)
	leaderTl.Reserve(5)
	require.NoError(t, leaderTl.Append([]trlog.Record{
		{RowID: 1, Op: []byte("a")}, {RowID: 2, Op: []byte("b")}, {RowID: 3, Op: []byte("c")},
		{RowID: 4, Op: []byte("d")}, {RowID: 5, Op: []byte("e")},
	}))
	leaderTl.Release()

	follower, leader := pipeChannels(t)
	followerSelf, leaderSelf := uuid.New(), uuid.New()

	leaderSlot := newSlot(testLogger(), ebus.New(testLogger(), 1), scheduler.NewPool(context.Background()), leaderReg, fixedLister{}, leaderSelf, leader, DefaultConfig())
	leader.Disp.Register(wire.MsgP2PTrlogSync, nil, leaderSlot.handleTrlogSync)

	followerBus := ebus.New(testLogger(), 1)
	changed := make(chan uuid.UUID, 8)
	followerBus.Subscribe(ebus.TrlogChanged, nil, func(e *ebus.Event) error {
		if tid, ok := e.Payload.(uuid.UUID); ok {
			changed <- tid
		}
		return nil
	})

	followerSlot := newSlot(testLogger(), followerBus, scheduler.NewPool(context.Background()), followerReg, fixedLister{ids: []uuid.UUID{id}}, followerSelf, follower, DefaultConfig())
	props := actor.FromProducer(func() actor.Actor { return followerSlot })
	pid, err := actor.SpawnNamed(props, "sync-test-"+uuid.New().String())
	require.NoError(t, err)
	followerSlot.self = pid

	follower.Disp.Register(wire.MsgP2PTrlogState, nil, func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var m wire.P2PTrlogState
		if err := wire.Unmarshal(f.Payload, &m); err != nil {
			return err
		}
		pid.Tell(trlogStateMsg{trlogUUID: m.Trlog, top: m.Top})
		return nil
	})
	follower.Disp.Register(wire.MsgP2PTrlogData, nil, func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var m wire.P2PTrlogData
		if err := wire.Unmarshal(f.Payload, &m); err != nil {
			return err
		}
		recs := make([]trlog.Record, len(m.Rows))
		for i, r := range m.Rows {
			recs[i] = trlog.Record{RowID: r.RowID, Op: r.Op}
		}
		pid.Tell(trlogDataMsg{trlogUUID: m.Trlog, records: recs})
		return nil
	})

	pid.Tell(topologyChangedMsg{reachable: true})

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("follower never applied the leader's trlog")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tl, err := followerReg.Open(id)
		require.NoError(t, err)
		top := tl.Top()
		tl.Release()
		if top == 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("follower trlog never converged to leader's top")
}

package sync

import (
	"context"
	"time"

	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wwwVladislav/MedvedDB/internal/chaman"
	"github.com/wwwVladislav/MedvedDB/internal/dispatcher"
	"github.com/wwwVladislav/MedvedDB/internal/ebus"
	"github.com/wwwVladislav/MedvedDB/internal/errcode"
	"github.com/wwwVladislav/MedvedDB/internal/scheduler"
	"github.com/wwwVladislav/MedvedDB/internal/trlog"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

type topologyChangedMsg struct {
	reachable bool
}

type trlogStateMsg struct {
	trlogUUID uuid.UUID
	top       uint64
}

type trlogDataMsg struct {
	trlogUUID uuid.UUID
	records   []trlog.Record
}

type applyDoneMsg struct {
	trlogUUID  uuid.UUID
	appliedTop uint64
	err        error
}

type retryTickMsg struct {
	trlogUUID uuid.UUID
}

type trlogProgress struct {
	state      State
	appliedTop uint64
	remoteTop  uint64
}

// slot is one (local, remote) peer's replication actor; it holds one
// trlogProgress per storage uuid the lister reports.
type slot struct {
	log       logrus.FieldLogger
	bus       *ebus.Bus
	pool      *scheduler.Pool
	trlogs    *trlog.Registry
	lister    TrlogLister
	localUUID uuid.UUID
	ch        *chaman.Channel
	cfg       Config

	self *actor.PID

	progress map[uuid.UUID]*trlogProgress
}

func newSlot(log logrus.FieldLogger, bus *ebus.Bus, pool *scheduler.Pool, trlogs *trlog.Registry, lister TrlogLister, localUUID uuid.UUID, ch *chaman.Channel, cfg Config) *slot {
	return &slot{
		log:       log.WithField("peer", ch.PeerUUID),
		bus:       bus,
		pool:      pool,
		trlogs:    trlogs,
		lister:    lister,
		localUUID: localUUID,
		ch:        ch,
		cfg:       cfg,
		progress:  make(map[uuid.UUID]*trlogProgress),
	}
}

// Receive implements actor.Actor.
func (s *slot) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case topologyChangedMsg:
		if msg.reachable {
			s.startQueryingAll()
		} else {
			s.cancelAll()
		}
	case trlogStateMsg:
		s.onTrlogState(msg)
	case trlogDataMsg:
		s.onTrlogData(msg)
	case applyDoneMsg:
		s.onApplyDone(msg)
	case retryTickMsg:
		s.retryQuery(msg.trlogUUID)
	}
}

func (s *slot) entry(id uuid.UUID) *trlogProgress {
	p, ok := s.progress[id]
	if !ok {
		p = &trlogProgress{state: Idle}
		s.progress[id] = p
	}
	return p
}

func (s *slot) startQueryingAll() {
	for _, id := range s.lister.TrlogUUIDs() {
		p := s.entry(id)
		if p.state == Idle || p.state == Cancelled {
			s.beginQuery(id, p)
		}
	}
}

func (s *slot) beginQuery(id uuid.UUID, p *trlogProgress) {
	t, err := s.trlogs.Open(id)
	if err != nil {
		s.log.WithError(err).WithField("trlog", id).Warn("failed to open local trlog for sync")
		return
	}
	p.appliedTop = t.Top()
	t.Release()

	p.state = Querying
	if err := s.ch.Disp.Post(wire.MsgP2PTrlogSync, wire.P2PTrlogSync{Trlog: id, From: p.appliedTop}); err != nil {
		s.log.WithError(err).WithField("trlog", id).Debug("failed to post trlog sync")
		p.state = Idle
	}
}

func (s *slot) cancelAll() {
	for _, p := range s.progress {
		p.state = Cancelled
	}
}

func (s *slot) onTrlogState(msg trlogStateMsg) {
	p := s.entry(msg.trlogUUID)
	if p.state != Querying {
		return
	}
	if msg.top <= p.appliedTop {
		// Peer is behind or caught up; it will sync from us.
		p.state = Idle
		return
	}
	p.remoteTop = msg.top
	p.state = Fetching
}

func (s *slot) onTrlogData(msg trlogDataMsg) {
	p := s.entry(msg.trlogUUID)
	if p.state != Fetching {
		return
	}
	p.state = Applying

	id := msg.trlogUUID
	records := msg.records
	self := s.self
	s.pool.Go(func(ctx context.Context) error {
		appliedTop, err := s.applyBatch(id, records)
		self.Tell(applyDoneMsg{trlogUUID: id, appliedTop: appliedTop, err: err})
		return nil
	})
}

func (s *slot) applyBatch(id uuid.UUID, records []trlog.Record) (uint64, error) {
	t, err := s.trlogs.Open(id)
	if err != nil {
		return 0, err
	}
	defer t.Release()

	if err := t.Append(records); err != nil {
		return t.Top(), err
	}
	top := t.Top()
	_ = s.bus.PublishAsync(ebus.New(ebus.TrlogChanged, id, nil), false)
	return top, nil
}

func (s *slot) onApplyDone(msg applyDoneMsg) {
	p := s.entry(msg.trlogUUID)
	if p.state != Applying {
		return
	}
	if msg.err != nil {
		code := errcode.Of(msg.err)
		if code == errcode.InvalidArg {
			// Gap in the batch: discard and reissue TrlogSync immediately.
			s.beginQuery(msg.trlogUUID, p)
			return
		}
		s.log.WithError(msg.err).WithField("trlog", msg.trlogUUID).Warn("trlog apply failed, backing off")
		p.state = Querying
		s.scheduleRetry(msg.trlogUUID)
		return
	}

	p.appliedTop = msg.appliedTop
	if p.appliedTop < p.remoteTop {
		p.state = Fetching
		if err := s.ch.Disp.Post(wire.MsgP2PTrlogSync, wire.P2PTrlogSync{Trlog: msg.trlogUUID, From: p.appliedTop}); err != nil {
			p.state = Querying
			s.scheduleRetry(msg.trlogUUID)
		}
		return
	}
	p.state = Idle
}

func (s *slot) retryQuery(id uuid.UUID) {
	p := s.entry(id)
	if p.state == Cancelled {
		return
	}
	s.beginQuery(id, p)
}

func (s *slot) scheduleRetry(id uuid.UUID) {
	backoff := s.cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	self := s.self
	time.AfterFunc(backoff, func() {
		self.Tell(retryTickMsg{trlogUUID: id})
	})
}

// handleTrlogSync answers a peer's TrlogSync with our own top for that
// trlog and, when we are ahead of the asker's reported From, immediately
// follows with one bounded TrlogData batch: the asker re-issues TrlogSync
// with its new applied_top once that batch lands, which is how "request
// the next batch only after the previous is durably applied" is driven
// over a message set that has no separate batch-request message. It runs
// on the dispatcher's read goroutine, not the actor.
func (s *slot) handleTrlogSync(d *dispatcher.Dispatcher, f *wire.Frame) error {
	var msg wire.P2PTrlogSync
	if err := wire.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}
	t, err := s.trlogs.Open(msg.Trlog)
	if err != nil {
		return err
	}
	top := t.Top()

	if top <= msg.From {
		t.Release()
		return d.Post(wire.MsgP2PTrlogState, wire.P2PTrlogState{Trlog: msg.Trlog, From: msg.From, To: top, Top: top})
	}

	count := s.cfg.BatchCount
	if count <= 0 {
		count = 64
	}
	recs, err := t.Range(msg.From, count)
	t.Release()
	if err != nil {
		return err
	}
	if limit := s.cfg.BatchBytes; limit > 0 {
		size := 0
		for i, r := range recs {
			size += len(r.Op)
			if i > 0 && size > limit {
				recs = recs[:i]
				break
			}
		}
	}

	if err := d.Post(wire.MsgP2PTrlogState, wire.P2PTrlogState{Trlog: msg.Trlog, From: msg.From, To: top, Top: top}); err != nil {
		return err
	}
	rows := make([]wire.TrlogRow, len(recs))
	for i, r := range recs {
		rows[i] = wire.TrlogRow{RowID: r.RowID, Op: r.Op}
	}
	var batchTo uint64
	if len(recs) > 0 {
		batchTo = recs[len(recs)-1].RowID
	}
	return d.Post(wire.MsgP2PTrlogData, wire.P2PTrlogData{Trlog: msg.Trlog, From: msg.From, To: batchTo, Count: uint32(len(rows)), Rows: rows})
}

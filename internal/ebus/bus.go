package ebus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wwwVladislav/MedvedDB/internal/errcode"
)

// Handler processes one Event. A non-OK return is logged by the bus but
// never aborts co-subscribers.
type Handler func(e *Event) error

type subscriber struct {
	arg     interface{}
	handler Handler

	mu      sync.Mutex
	active  sync.WaitGroup
	removed bool
}

func (s *subscriber) invoke(e *Event) error {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return nil
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()
	return s.handler(e)
}

// Subscription is returned by Subscribe/SubscribeAll; Unsubscribe blocks
// until any in-flight invocation of this subscriber's handler returns, so
// a handler may safely assume its arg stays valid for the duration of the
// call.
type Subscription struct {
	bus  *Bus
	typ  Type
	sub  *subscriber
	once sync.Once
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.sub.mu.Lock()
		s.sub.removed = true
		s.sub.mu.Unlock()

		s.bus.mu.Lock()
		list := s.bus.subs[s.typ]
		for i, cand := range list {
			if cand == s.sub {
				s.bus.subs[s.typ] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()

		s.sub.active.Wait()
	})
}

type queuedEvent struct {
	typ Type
	ev  *Event
}

// Bus is the node-wide event bus. QueuesCount selects how many independent
// async FIFOs back PublishAsync; ordering is preserved within a queue, not
// across queues.
type Bus struct {
	log logrus.FieldLogger

	mu   sync.RWMutex
	subs map[Type][]*subscriber

	queues  []chan queuedEvent
	pending sync.Map // Type -> map[interface{}]struct{}, guards UNIQUE coalescing
	pmu     sync.Mutex

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New builds a Bus with queuesCount async worker queues, each drained by
// one goroutine. Safe to widen to many consumers per queue without
// changing the ordering contract, since ordering is only promised within
// a queue's publish order, not its delivery goroutine count.
func New(log logrus.FieldLogger, queuesCount int) *Bus {
	if queuesCount < 1 {
		queuesCount = 1
	}
	b := &Bus{
		log:     log,
		subs:    make(map[Type][]*subscriber),
		queues:  make([]chan queuedEvent, queuesCount),
		stopped: make(chan struct{}),
	}
	for i := range b.queues {
		b.queues[i] = make(chan queuedEvent, 1024)
	}
	for i := range b.queues {
		b.wg.Add(1)
		go b.drain(i)
	}
	return b
}

// Subscribe registers handler for typ; arg is documentation-only here,
// since handlers close over their own state.
func (b *Bus) Subscribe(typ Type, arg interface{}, handler Handler) *Subscription {
	sub := &subscriber{arg: arg, handler: handler}
	b.mu.Lock()
	b.subs[typ] = append(b.subs[typ], sub)
	b.mu.Unlock()
	return &Subscription{bus: b, typ: typ, sub: sub}
}

// SubscribeAll registers many (type, handler) pairs atomically with
// respect to any concurrent Publish: either all are visible to the next
// publish or none are.
type Registration struct {
	Type    Type
	Arg     interface{}
	Handler Handler
}

func (b *Bus) SubscribeAll(regs []Registration) []*Subscription {
	subs := make([]*subscriber, len(regs))
	out := make([]*Subscription, len(regs))
	for i, r := range regs {
		subs[i] = &subscriber{arg: r.Arg, handler: r.Handler}
	}
	b.mu.Lock()
	for i, r := range regs {
		b.subs[r.Type] = append(b.subs[r.Type], subs[i])
	}
	b.mu.Unlock()
	for i, r := range regs {
		out[i] = &Subscription{bus: b, typ: r.Type, sub: subs[i]}
	}
	return out
}

// Publish invokes every subscriber of e.Type synchronously, in subscription
// order, on the calling goroutine. The first non-OK error is returned to
// the caller after every handler has run.
func (b *Bus) Publish(e *Event) error {
	select {
	case <-b.stopped:
		return errcode.ErrClosed
	default:
	}

	e.Retain()
	defer e.Release()

	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs[e.Type]...)
	b.mu.RUnlock()

	var first error
	for _, s := range subs {
		if err := s.invoke(e); err != nil {
			b.log.WithError(err).WithField("event", e.Type).Warn("subscriber returned error")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// PublishAsync enqueues e onto queue (int(e.Type) % queuesCount). If unique
// is true and an identical (Type, e.Unique) event is already queued,
// PublishAsync returns errcode.ErrExists without enqueuing again.
func (b *Bus) PublishAsync(e *Event, unique bool) error {
	select {
	case <-b.stopped:
		return errcode.ErrClosed
	default:
	}

	if unique {
		key := uniqueKey{typ: e.Type, id: e.Unique}
		b.pmu.Lock()
		if _, exists := b.pendingSet()[key]; exists {
			b.pmu.Unlock()
			return errcode.ErrExists
		}
		b.pendingSet()[key] = struct{}{}
		b.pmu.Unlock()
	}

	qi := int(e.Type) % len(b.queues)
	e.Retain()
	select {
	case b.queues[qi] <- queuedEvent{typ: e.Type, ev: e}:
		return nil
	default:
		e.Release()
		if unique {
			b.pmu.Lock()
			delete(b.pendingSet(), uniqueKey{typ: e.Type, id: e.Unique})
			b.pmu.Unlock()
		}
		return errcode.ErrNoMem
	}
}

type uniqueKey struct {
	typ Type
	id  interface{}
}

func (b *Bus) pendingSet() map[uniqueKey]struct{} {
	v, _ := b.pending.LoadOrStore("set", make(map[uniqueKey]struct{}))
	return v.(map[uniqueKey]struct{})
}

func (b *Bus) drain(i int) {
	defer b.wg.Done()
	for {
		select {
		case qe := <-b.queues[i]:
			b.pmu.Lock()
			delete(b.pendingSet(), uniqueKey{typ: qe.typ, id: qe.ev.Unique})
			b.pmu.Unlock()

			b.mu.RLock()
			subs := append([]*subscriber(nil), b.subs[qe.typ]...)
			b.mu.RUnlock()
			for _, s := range subs {
				if err := s.invoke(qe.ev); err != nil {
					b.log.WithError(err).WithField("event", qe.typ).Warn("async subscriber returned error")
				}
			}
			qe.ev.Release()
		case <-b.stopped:
			return
		}
	}
}

// Stop lets in-flight handlers finish but rejects new publishes.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopped)
	})
	b.wg.Wait()
}

// Package dispatcher implements the per-channel framing, request/response
// correlation and handler dispatch layer built on top of wire.Frame.
package dispatcher

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wwwVladislav/MedvedDB/internal/errcode"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

// Handler processes one inbound message that carries no pending request
// slot to answer. Returning a non-OK error causes a status{err,message}
// reply when the originating frame asked for one.
type Handler func(d *Dispatcher, f *wire.Frame) error

type registration struct {
	fn  Handler
	arg interface{}
}

type pendingRequest struct {
	resp chan *wire.Frame
}

// Dispatcher owns one net.Conn's framing, the registered message handlers,
// and the table of in-flight request/response slots.
type Dispatcher struct {
	log  logrus.FieldLogger
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[uint16]registration
	pending  map[uint16]pendingRequest
	nextReq  uint16
	closed   bool
}

func New(log logrus.FieldLogger, conn net.Conn) *Dispatcher {
	return &Dispatcher{
		log:      log,
		conn:     conn,
		r:        bufio.NewReader(conn),
		handlers: make(map[uint16]registration),
		pending:  make(map[uint16]pendingRequest),
	}
}

// Register installs handler for messageID. One handler per message_id per
// channel; a second call for the same id replaces the first.
func (d *Dispatcher) Register(messageID uint16, arg interface{}, fn Handler) {
	d.mu.Lock()
	d.handlers[messageID] = registration{fn: fn, arg: arg}
	d.mu.Unlock()
}

// Post sends msg with request_number=0: no response is expected.
func (d *Dispatcher) Post(messageID uint16, payload interface{}) error {
	body, err := wire.Marshal(payload)
	if err != nil {
		return err
	}
	return d.writeFrame(&wire.Frame{MessageID: messageID, RequestNumber: 0, Payload: body})
}

// Reply answers a received request, echoing its request_number.
func (d *Dispatcher) Reply(messageID, requestNumber uint16, payload interface{}) error {
	body, err := wire.Marshal(payload)
	if err != nil {
		return err
	}
	return d.writeFrame(&wire.Frame{MessageID: messageID, RequestNumber: requestNumber, Payload: body})
}

// Send allocates a request_number, installs a one-shot response slot, sends
// req and blocks until a matching response arrives, ctx is cancelled, or
// timeout elapses.
func (d *Dispatcher) Send(ctx context.Context, messageID uint16, payload interface{}, timeout time.Duration) (*wire.Frame, error) {
	body, err := wire.Marshal(payload)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errcode.ErrClosed
	}
	d.nextReq++
	if d.nextReq == 0 {
		d.nextReq = 1
	}
	reqNum := d.nextReq
	slot := pendingRequest{resp: make(chan *wire.Frame, 1)}
	d.pending[reqNum] = slot
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.pending, reqNum)
		d.mu.Unlock()
	}

	if err := d.writeFrame(&wire.Frame{MessageID: messageID, RequestNumber: reqNum, Payload: body}); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-slot.resp:
		if !ok {
			return nil, errcode.ErrClosed
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return nil, errcode.ErrTimedOut
	case <-ctx.Done():
		cleanup()
		return nil, errcode.ErrClosed
	}
}

func (d *Dispatcher) writeFrame(f *wire.Frame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return wire.Encode(d.conn, f)
}

// ReadOne decodes and returns a single frame without running it through
// handler dispatch, for use during the handshake phase before a channel's
// normal Read loop has started.
func (d *Dispatcher) ReadOne() (*wire.Frame, error) {
	return wire.Decode(d.r, wire.DefaultMaxPayloadSize)
}

// Read drains as many complete frames as the underlying socket yields
// without blocking on a second frame; it blocks for at least one frame,
// matching net.Conn's blocking-read contract (the scheduler's readiness
// notifier is what makes the outer loop non-blocking, not this call).
func (d *Dispatcher) Read() error {
	for {
		f, err := wire.Decode(d.r, wire.DefaultMaxPayloadSize)
		if err != nil {
			return err
		}
		d.dispatch(f)
		if d.r.Buffered() == 0 {
			return nil
		}
	}
}

func (d *Dispatcher) dispatch(f *wire.Frame) {
	if f.RequestNumber != 0 {
		d.mu.Lock()
		slot, ok := d.pending[f.RequestNumber]
		if ok {
			delete(d.pending, f.RequestNumber)
		}
		d.mu.Unlock()
		if ok {
			slot.resp <- f
			return
		}
	}

	d.mu.Lock()
	reg, ok := d.handlers[f.MessageID]
	d.mu.Unlock()
	if !ok {
		d.log.WithField("message_id", f.MessageID).Warn("no handler registered for message")
		return
	}
	if err := reg.fn(d, f); err != nil {
		d.log.WithError(err).WithField("message_id", f.MessageID).Warn("handler returned error")
		if f.RequestNumber != 0 {
			code := errcode.Of(err)
			_ = d.Reply(wire.MsgStatus, f.RequestNumber, wire.Status{Err: int32(code), Message: err.Error()})
		}
	}
}

// Close fails every outstanding Send with errcode.ErrClosed and closes the
// underlying connection.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.pending
	d.pending = make(map[uint16]pendingRequest)
	d.mu.Unlock()

	for _, slot := range pending {
		close(slot.resp)
	}
	if err := d.conn.Close(); err != nil {
		return errors.Wrap(err, "closing dispatcher connection")
	}
	return nil
}

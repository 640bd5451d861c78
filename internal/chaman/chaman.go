// Package chaman (channel manager) owns listening sockets, outbound dial
// attempts, and the handshake that turns a raw net.Conn into a typed
// Channel. It is the Go-idiomatic rendering of a readiness-driven
// accept/dial/handshake state machine: each of those states is here a
// goroutine plus a channel send instead of an edge-triggered epoll task,
// since Go's netpoller already supplies the readiness notification that a
// C implementation would hand-roll.
package chaman

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wwwVladislav/MedvedDB/internal/config"
	"github.com/wwwVladislav/MedvedDB/internal/dispatcher"
	"github.com/wwwVladislav/MedvedDB/internal/errcode"
	"github.com/wwwVladislav/MedvedDB/internal/scheduler"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

// ProtocolVersion is exchanged in the peer hello; a mismatch drops the
// connection with errcode.InvalidProtocolVersion.
const ProtocolVersion uint32 = 1

// Identity is this node's self-description, sent in every peer hello.
type Identity struct {
	UUID          uuid.UUID
	ListenAddress string
}

type dialerKey struct {
	address string
	ctype   wire.ChannelType
}

type dialerEntry struct {
	connecting  bool
	lastAttempt time.Time
}

// OnChannel is invoked once for every Channel that completes its
// handshake, inbound or outbound.
type OnChannel func(ch *Channel)

// Manager implements create/listen/dial/close.
type Manager struct {
	log  logrus.FieldLogger
	cfg  config.ConnectionConfig
	pool *scheduler.Pool
	self Identity
	on   OnChannel

	mu        sync.Mutex
	listeners []net.Listener
	dialers   map[dialerKey]*dialerEntry
	channels  map[*Channel]struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// Create builds a Manager and starts its periodic dial-retry timer.
func Create(log logrus.FieldLogger, pool *scheduler.Pool, cfg config.ConnectionConfig, self Identity, on OnChannel) *Manager {
	m := &Manager{
		log:      log,
		cfg:      cfg,
		pool:     pool,
		self:     self,
		on:       on,
		dialers:  make(map[dialerKey]*dialerEntry),
		channels: make(map[*Channel]struct{}),
		stopped:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.retryLoop()
	return m
}

// Listen binds address, enabling TCP keep-alive per the connection config,
// and starts an accept loop that hands every inbound socket through the
// handshake before registering it as a Channel.
func (m *Manager) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", address)
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.acceptLoop(ln)
	return nil
}

func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.stopped:
				return
			default:
				m.log.WithError(err).Warn("accept failed")
				return
			}
		}
		m.applyKeepAlive(conn)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleAccepted(conn)
		}()
	}
}

func (m *Manager) handleAccepted(conn net.Conn) {
	ctype, err := readChannelType(conn)
	if err != nil {
		m.log.WithError(err).WithField("addr", conn.RemoteAddr()).Debug("handshake type byte failed")
		conn.Close()
		return
	}
	disp := dispatcher.New(m.log, conn)
	var peerUUID uuid.UUID
	if ctype == wire.ChannelPeer {
		peerUUID, err = m.exchangeHelloInbound(disp)
		if err != nil {
			m.log.WithError(err).WithField("addr", conn.RemoteAddr()).Debug("peer hello failed")
			disp.Close()
			return
		}
	}
	ch := newChannel(conn, disp, DirIn, ctype, peerUUID, conn.RemoteAddr().String())
	m.registerChannel(ch)
}

// Dial registers a dialer entry for (address, ctype) and attempts a
// connection in the background. A dialer entry already present for the
// same key is left alone: Dial "succeeds with exists".
func (m *Manager) Dial(address string, ctype wire.ChannelType) error {
	key := dialerKey{address: address, ctype: ctype}
	m.mu.Lock()
	if _, exists := m.dialers[key]; exists {
		m.mu.Unlock()
		return nil
	}
	m.dialers[key] = &dialerEntry{connecting: true, lastAttempt: time.Now()}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.attemptDial(key)
	}()
	return nil
}

func (m *Manager) attemptDial(key dialerKey) {
	conn, err := net.DialTimeout("tcp", key.address, 15*time.Second)
	if err != nil {
		m.log.WithError(err).WithField("addr", key.address).Debug("dial failed, will retry")
		m.mu.Lock()
		if d, ok := m.dialers[key]; ok {
			d.connecting = false
		}
		m.mu.Unlock()
		return
	}
	m.applyKeepAlive(conn)

	if err := writeChannelType(conn, key.ctype); err != nil {
		conn.Close()
		m.mu.Lock()
		if d, ok := m.dialers[key]; ok {
			d.connecting = false
		}
		m.mu.Unlock()
		return
	}

	disp := dispatcher.New(m.log, conn)
	var peerUUID uuid.UUID
	if key.ctype == wire.ChannelPeer {
		peerUUID, err = m.exchangeHelloOutbound(disp, key.address)
		if err != nil {
			m.log.WithError(err).WithField("addr", key.address).Debug("peer hello failed")
			disp.Close()
			m.mu.Lock()
			if d, ok := m.dialers[key]; ok {
				d.connecting = false
			}
			m.mu.Unlock()
			return
		}
	}

	// A successful dial removes its entry outright.
	m.mu.Lock()
	delete(m.dialers, key)
	m.mu.Unlock()

	ch := newChannel(conn, disp, DirOut, key.ctype, peerUUID, key.address)
	m.registerChannel(ch)
}

func (m *Manager) registerChannel(ch *Channel) {
	ch.onClose = func() { m.forgetChannel(ch) }
	m.mu.Lock()
	m.channels[ch] = struct{}{}
	m.mu.Unlock()
	if m.on != nil {
		m.on(ch)
	}
}

// forgetChannel removes ch from the manager's bookkeeping once its
// refcount has dropped to zero and it has actually closed.
func (m *Manager) forgetChannel(ch *Channel) {
	m.mu.Lock()
	delete(m.channels, ch)
	m.mu.Unlock()
}

func (m *Manager) retryLoop() {
	defer m.wg.Done()
	interval := m.cfg.RetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.retryDueDialers(interval)
		case <-m.stopped:
			return
		}
	}
}

func (m *Manager) retryDueDialers(interval time.Duration) {
	now := time.Now()
	var due []dialerKey
	m.mu.Lock()
	for k, d := range m.dialers {
		if !d.connecting && now.Sub(d.lastAttempt) >= interval {
			d.connecting = true
			d.lastAttempt = now
			due = append(due, k)
		}
	}
	m.mu.Unlock()
	for _, k := range due {
		key := k
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.attemptDial(key)
		}()
	}
}

func (m *Manager) applyKeepAlive(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetKeepAlive(true)
	if m.cfg.KeepIdle > 0 {
		tc.SetKeepAlivePeriod(m.cfg.KeepIdle)
	}
}

// Close stops the retry timer (dialer entries are no longer retried),
// releases the manager's reference on every established channel, closes
// the listeners, and waits for the manager's own goroutines to return.
// The scheduler pool passed to Create is not closed here.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})

	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	listeners := append([]net.Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Release()
	}
	for _, ln := range listeners {
		ln.Close()
	}
	m.wg.Wait()
	return nil
}

func readChannelType(conn net.Conn) (wire.ChannelType, error) {
	var b [1]byte
	if _, err := conn.Read(b[:]); err != nil {
		return 0, err
	}
	return wire.ChannelType(b[0]), nil
}

func writeChannelType(conn net.Conn, ct wire.ChannelType) error {
	_, err := conn.Write([]byte{byte(ct)})
	return err
}

func (m *Manager) exchangeHelloOutbound(disp *dispatcher.Dispatcher, addr string) (uuid.UUID, error) {
	hello := wire.P2PHello{Version: ProtocolVersion, UUID: m.self.UUID, ListenAddress: m.self.ListenAddress}
	if err := disp.Post(wire.MsgP2PHello, hello); err != nil {
		return uuid.UUID{}, err
	}
	f, err := disp.ReadOne()
	if err != nil {
		return uuid.UUID{}, err
	}
	return decodeHello(f)
}

func (m *Manager) exchangeHelloInbound(disp *dispatcher.Dispatcher) (uuid.UUID, error) {
	f, err := disp.ReadOne()
	if err != nil {
		return uuid.UUID{}, err
	}
	remote, err := decodeHello(f)
	if err != nil {
		return uuid.UUID{}, err
	}
	hello := wire.P2PHello{Version: ProtocolVersion, UUID: m.self.UUID, ListenAddress: m.self.ListenAddress}
	if err := disp.Post(wire.MsgP2PHello, hello); err != nil {
		return uuid.UUID{}, err
	}
	return remote, nil
}

func decodeHello(f *wire.Frame) (uuid.UUID, error) {
	if f.MessageID != wire.MsgP2PHello {
		return uuid.UUID{}, errcode.New(errcode.InvalidArg, "expected p2p hello as first frame")
	}
	var hello wire.P2PHello
	if err := wire.Unmarshal(f.Payload, &hello); err != nil {
		return uuid.UUID{}, err
	}
	if hello.Version != ProtocolVersion {
		return uuid.UUID{}, errcode.New(errcode.InvalidProtocolVersion, "peer hello version mismatch")
	}
	return hello.UUID, nil
}

package chaman

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wwwVladislav/MedvedDB/internal/dispatcher"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

// Direction records which side initiated a Channel.
type Direction int

const (
	DirIn Direction = iota
	DirOut
)

// Channel wraps one established, handshaken connection: a raw socket plus
// its message dispatcher, reference-counted so the trlog synchronizer and
// peer handlers can share ownership without racing its close.
type Channel struct {
	conn      net.Conn
	Disp      *dispatcher.Dispatcher
	Direction Direction
	Type      wire.ChannelType
	PeerUUID  uuid.UUID
	Address   string

	refs      int32
	closeOnce sync.Once
	onClose   func()
	onCloseMu sync.Mutex
	watchers  []func()
}

// OnClose registers fn to run after the channel's dispatcher has closed,
// alongside the manager's own bookkeeping callback. Used by subsystems
// (the trlog synchronizer) that must drop state tied to this channel's
// lifetime without reaching into chaman's internals.
func (c *Channel) OnClose(fn func()) {
	c.onCloseMu.Lock()
	c.watchers = append(c.watchers, fn)
	c.onCloseMu.Unlock()
}

func newChannel(conn net.Conn, disp *dispatcher.Dispatcher, dir Direction, ct wire.ChannelType, peerUUID uuid.UUID, addr string) *Channel {
	return &Channel{
		conn:      conn,
		Disp:      disp,
		Direction: dir,
		Type:      ct,
		PeerUUID:  peerUUID,
		Address:   addr,
		refs:      1,
	}
}

func (c *Channel) Retain() *Channel {
	atomic.AddInt32(&c.refs, 1)
	return c
}

// Release drops a reference; at refcount zero the descriptor is closed
// exactly once.
func (c *Channel) Release() {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		c.closeOnce.Do(func() {
			_ = c.Disp.Close()
			if c.onClose != nil {
				c.onClose()
			}
			c.onCloseMu.Lock()
			watchers := c.watchers
			c.onCloseMu.Unlock()
			for _, w := range watchers {
				w()
			}
		})
	}
}

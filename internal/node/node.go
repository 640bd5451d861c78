// Package node composes every subsystem — chaman, the event bus, the
// topology tracker, trlog replication, peer gossip, the table store and
// the user-protocol handlers — into one running server process, and owns
// the three storage roots the persistent state layout calls for.
package node

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wwwVladislav/MedvedDB/internal/chaman"
	"github.com/wwwVladislav/MedvedDB/internal/config"
	"github.com/wwwVladislav/MedvedDB/internal/ebus"
	"github.com/wwwVladislav/MedvedDB/internal/logging"
	"github.com/wwwVladislav/MedvedDB/internal/peer"
	"github.com/wwwVladislav/MedvedDB/internal/scheduler"
	"github.com/wwwVladislav/MedvedDB/internal/storage"
	"github.com/wwwVladislav/MedvedDB/internal/sync"
	"github.com/wwwVladislav/MedvedDB/internal/tablestore"
	"github.com/wwwVladislav/MedvedDB/internal/tracker"
	"github.com/wwwVladislav/MedvedDB/internal/trlog"
	"github.com/wwwVladislav/MedvedDB/internal/userapi"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

const metaUUIDKey = "node_uuid"

// Node owns every long-lived subsystem and the storage engines behind
// metainf/, tablespace/ and trlog/.
type Node struct {
	log  *logging.Root
	cfg  *config.Config
	self uuid.UUID

	metainf *storage.Engine
	descs   *storage.Engine
	trlogs  *storage.Engine

	pool   *scheduler.Pool
	bus    *ebus.Bus
	tracker *tracker.Tracker
	chaman *chaman.Manager
	tables *tablestore.Store
}

// Open loads or creates a node's identity and storage roots and wires
// every subsystem, but does not yet listen or dial; call Run for that.
func Open(ctx context.Context, cfg *config.Config) (*Node, error) {
	log := logging.NewRoot(cfg.Log.Level)

	metainf, err := storage.Open(filepath.Join(cfg.Storage.Path, "metainf"))
	if err != nil {
		return nil, errors.Wrap(err, "opening metainf storage")
	}
	descs, err := storage.Open(filepath.Join(cfg.Storage.Path, "tablespace"))
	if err != nil {
		return nil, errors.Wrap(err, "opening tablespace storage")
	}
	trlogEng, err := storage.Open(filepath.Join(cfg.Storage.Path, "trlog"))
	if err != nil {
		return nil, errors.Wrap(err, "opening trlog storage")
	}

	self, err := loadOrCreateUUID(metainf)
	if err != nil {
		return nil, errors.Wrap(err, "loading node identity")
	}

	bus := ebus.New(log.For("ebus"), 4)
	trk := tracker.New(log.For("tracker"), bus, self, cfg.Server.Listen)
	pool := scheduler.NewPool(ctx)

	trlogs := trlog.NewRegistry(trlogEng)
	tables, err := tablestore.Open(log.For("tablestore"), bus, descs, trlogs)
	if err != nil {
		return nil, errors.Wrap(err, "opening table store")
	}

	syncMgr := sync.New(log.For("sync"), bus, pool, trlogs, tables, self, sync.DefaultConfig())
	peerMgr := peer.New(log.For("peer"), bus, trk, self)
	userMgr := userapi.New(log.For("userapi"), tables, trk)

	n := &Node{
		log:     log,
		cfg:     cfg,
		self:    self,
		metainf: metainf,
		descs:   descs,
		trlogs:  trlogEng,
		pool:    pool,
		bus:     bus,
		tracker: trk,
		tables:  tables,
	}

	identity := chaman.Identity{UUID: self, ListenAddress: cfg.Server.Listen}
	n.chaman = chaman.Create(log.For("chaman"), pool, cfg.Connection, identity, func(ch *chaman.Channel) {
		switch ch.Type {
		case wire.ChannelPeer:
			syncMgr.AddChannel(ch)
			peerMgr.AddChannel(ch)
		case wire.ChannelUser:
			userMgr.AddChannel(ch)
		}
		pool.Go(func(ctx context.Context) error {
			for {
				if err := ch.Disp.Read(); err != nil {
					ch.Release()
					return nil
				}
			}
		})
	})

	return n, nil
}

// Run starts listening and dials every statically configured cluster
// peer; it returns once listening has started, leaving dial retries and
// the accept loop running in the background.
func (n *Node) Run() error {
	if err := n.chaman.Listen(n.cfg.Server.Listen); err != nil {
		return err
	}
	for _, addr := range n.cfg.Cluster.Nodes {
		if err := n.chaman.Dial(addr, wire.ChannelPeer); err != nil {
			n.log.For("node").WithError(err).WithField("addr", addr).Warn("initial dial failed")
		}
	}
	return nil
}

// Close shuts down every subsystem in dependency order: network first so
// no new work arrives, then the worker pool, then storage.
func (n *Node) Close() error {
	if err := n.chaman.Close(); err != nil {
		n.log.For("node").WithError(err).Warn("chaman close failed")
	}
	if err := n.pool.Close(); err != nil {
		n.log.For("node").WithError(err).Warn("worker pool close failed")
	}
	n.metainf.Close()
	n.descs.Close()
	n.trlogs.Close()
	return nil
}

// UUID returns the node's persistent identity.
func (n *Node) UUID() uuid.UUID { return n.self }

func loadOrCreateUUID(eng *storage.Engine) (uuid.UUID, error) {
	v, err := eng.Get([]byte(metaUUIDKey))
	if err == nil && len(v) == 16 {
		var id uuid.UUID
		copy(id[:], v)
		return id, nil
	}
	id := uuid.New()
	if err := eng.Put([]byte(metaUUIDKey), id[:]); err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}

package node

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wwwVladislav/MedvedDB/internal/config"
	"github.com/wwwVladislav/MedvedDB/internal/dispatcher"
	"github.com/wwwVladislav/MedvedDB/internal/logging"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "medved-node-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Server.Listen = freeAddr(t)
	cfg.Storage.Path = dir
	cfg.Log.Level = logging.LevelNone
	return cfg
}

func dialUser(t *testing.T, addr string) *dispatcher.Dispatcher {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, err)
	_, err = conn.Write([]byte{byte(wire.ChannelUser)})
	require.NoError(t, err)

	log := logging.NewRoot(logging.LevelNone).For("test")
	d := dispatcher.New(log, conn)
	go func() {
		for {
			if err := d.Read(); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNodeServesCreateTableOverTheWire(t *testing.T) {
	cfg := testConfig(t)
	n, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, n.Run())
	t.Cleanup(func() { n.Close() })

	cli := dialUser(t, cfg.Server.Listen)

	desc := wire.TableDesc{N: "kv", F: []wire.FieldDesc{{N: "k", T: 1, L: 1}}}
	f, err := cli.Send(context.Background(), wire.MsgCreateTable, wire.CreateTable{Desc: desc}, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.MsgTableInfo, f.MessageID)

	var info wire.TableInfo
	require.NoError(t, wire.Unmarshal(f.Payload, &info))
	require.NotEqual(t, [16]byte{}, info.ID)

	f, err = cli.Send(context.Background(), wire.MsgGetTable, wire.GetTable{ID: info.ID}, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.MsgTableDesc, f.MessageID)
	var got wire.TableDescMsg
	require.NoError(t, wire.Unmarshal(f.Payload, &got))
	require.Equal(t, "kv", got.Desc.N)
}

func TestNodePersistsIdentityAcrossReopen(t *testing.T) {
	cfg := testConfig(t)
	n1, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	id := n1.UUID()
	require.NoError(t, n1.Close())

	cfg.Server.Listen = freeAddr(t)
	n2, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n2.Close() })
	require.Equal(t, id, n2.UUID())
}

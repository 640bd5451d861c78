package wire

// Message IDs. User-protocol IDs are a compact low range; peer-protocol
// IDs start at 1000 to keep the two tables from colliding.
const (
	MsgStatus      uint16 = 1
	MsgCreateTable uint16 = 3
	MsgGetTable    uint16 = 4
	MsgTableInfo   uint16 = 5
	MsgTableDesc   uint16 = 6
	MsgGetTopology uint16 = 7
	MsgTopology    uint16 = 8
	MsgInsertInto  uint16 = 9
	MsgSelect      uint16 = 10
	MsgView        uint16 = 11
	MsgFetch       uint16 = 12
	MsgRowset      uint16 = 13
	MsgDeleteFrom  uint16 = 14

	MsgP2PHello     uint16 = 1000
	MsgP2PTopoSync  uint16 = 1001
	MsgP2PBroadcast uint16 = 1002
	MsgP2PTrlogSync uint16 = 1003
	MsgP2PTrlogState uint16 = 1004
	MsgP2PTrlogData uint16 = 1005
)

// ChannelType is the handshake first byte.
type ChannelType byte

const (
	ChannelUser ChannelType = 0
	ChannelPeer ChannelType = 1
)

// Status is message id 1 (S->C).
type Status struct {
	Err     int32
	Message string
}

// FieldDesc is one entry of TableDesc.F.
type FieldDesc struct {
	T uint32 // field type tag
	L uint32 // array-limit: 1 = scalar, >1 = bounded array, 0 = unbounded
	N string // field name
}

// TableDesc is the binn-object layout a table schema serializes to:
// {N:str, S:u32, B:u32, F:list<{T,L,N}>}.
type TableDesc struct {
	N string      // table name
	S uint32      // schema version / size hint
	B uint32      // reserved bitflags
	F []FieldDesc
}

// CreateTable is message id 3 (C->S).
type CreateTable struct {
	Desc TableDesc
}

// GetTable is message id 4 (C->S).
type GetTable struct {
	ID [16]byte
}

// TableInfo is message id 5 (S->C).
type TableInfo struct {
	ID [16]byte
}

// TableDescMsg is message id 6 (S->C).
type TableDescMsg struct {
	Desc TableDesc
}

// GetTopology is message id 7 (C->S); no fields.
type GetTopology struct{}

// NodeEntry and LinkEntry make up the Topology serialisation:
// {NC, LC, ES, N:list<{U1,U2,A}>, L:list<{U1,U2,W}>}.
type NodeEntry struct {
	U1 uint64 // uuid high 64 bits
	U2 uint64 // uuid low 64 bits
	A  string // address
}

type LinkEntry struct {
	U1 uint32 // local-id of one endpoint
	U2 uint32 // local-id of the other endpoint
	W  uint32 // weight
}

type TopologySerialized struct {
	NC uint64 // node count
	LC uint64 // link count
	ES string // extradata
	N  []NodeEntry
	L  []LinkEntry
}

// Topology is message id 8 (S->C).
type Topology struct {
	Topology TopologySerialized
}

// InsertInto is message id 9 (C->S). Rows is a binn-list of row byte
// tuples; represented here as a slice of already-framed row buffers, one
// per row, matching drep-project/binary's handling of []byte slices.
type InsertInto struct {
	Table [16]byte
	Rows  [][]byte
}

// Select is message id 10 (C->S).
type Select struct {
	Table  [16]byte
	Fields []byte // bitset.BitSet in its MarshalBinary form
	Filter string
}

// View is message id 11 (S->C).
type View struct {
	ID uint32
}

// Fetch is message id 12 (C->S).
type Fetch struct {
	ID    uint32
	Count uint32
}

// Rowset is message id 13 (S->C).
type Rowset struct {
	Rows [][]byte
}

// DeleteFrom is message id 14 (C->S).
type DeleteFrom struct {
	Table  [16]byte
	Filter string
}

// P2PHello is the handshake payload exchanged after the type-selector byte.
type P2PHello struct {
	Version       uint32
	UUID          [16]byte
	ListenAddress string
}

// P2PTopoSync carries a full topology snapshot between peers.
type P2PTopoSync struct {
	Topology TopologySerialized
}

// P2PBroadcast is a gossip message flooded with loop suppression via
// Notified.
type P2PBroadcast struct {
	MsgID    uint32
	Size     uint32
	Data     []byte
	Notified [][16]byte // set<uuid>, represented as a slice; dedup is by the
	// receiver, so the wire codec never needs to understand set types.
}

// P2PTrlogSync asks a peer for its top row-id on a given trlog, and
// reports the asker's own applied_top so the peer knows where to start
// pushing TrlogData from.
type P2PTrlogSync struct {
	Trlog [16]byte
	From  uint64
}

// P2PTrlogState answers a P2PTrlogSync with the peer's top. From echoes
// the asker's From; To carries the same value as Top.
type P2PTrlogState struct {
	Trlog [16]byte
	From  uint64
	To    uint64
	Top   uint64
}

// TrlogRow is one record inside a P2PTrlogData batch.
type TrlogRow struct {
	RowID uint64
	Op    []byte
}

// P2PTrlogData carries a batch of trlog records, always ascending by RowID.
type P2PTrlogData struct {
	Trlog [16]byte
	From  uint64
	To    uint64
	Count uint32
	Rows  []TrlogRow
}

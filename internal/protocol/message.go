// Package protocol decodes pgoutput logical replication messages into
// typed Go values. Decode is a pure function: same bytes in, same
// Message out, no shared state, never panics.
package protocol

import "time"

// Message is the sum type returned by Decode. Every concrete type in
// this package implements it via an unexported marker method so the
// variant set is closed to this package.
type Message interface {
	isMessage()
}

// Begin opens a transaction. FinalLSN is the transaction's commit
// LSN, known up front in pgoutput's wire format.
type Begin struct {
	FinalLSN   uint64
	CommitTime time.Time
	XID        uint32
}

// Commit closes the transaction opened by the preceding Begin.
type Commit struct {
	Flags      byte
	CommitLSN  uint64
	EndLSN     uint64
	CommitTime time.Time
}

// RelationColumn describes one column in a Relation message.
type RelationColumn struct {
	IsKey   bool
	Name    string
	TypeOID uint32
	TypeMod int32
}

// Relation announces (or re-announces) a table's schema. Insert,
// Update, and Delete reference relations by OID only, so a worker
// must cache every Relation it observes.
type Relation struct {
	RelationOID     uint32
	Namespace       string
	RelationName    string
	ReplicaIdentity byte
	Columns         []RelationColumn
}

// ColumnValueKind tags a TupleColumn's wire marker.
type ColumnValueKind byte

const (
	ColumnNull      ColumnValueKind = 'n'
	ColumnUnchanged ColumnValueKind = 'u'
	ColumnText      ColumnValueKind = 't'
	ColumnBinary    ColumnValueKind = 'b'
)

// TupleColumn is one column's wire value inside a TupleData.
type TupleColumn struct {
	Kind  ColumnValueKind
	Value []byte // nil for Null/Unchanged; raw bytes for Text (UTF-8) and Binary
}

// TupleData is an ordered row image: one entry per column in
// relation-declaration order.
type TupleData struct {
	Columns []TupleColumn
}

// Insert is a new row. SubTag is always 'N' on the wire; callers
// don't need it so it is not exposed.
type Insert struct {
	RelationOID uint32
	New         TupleData
}

// Update carries the pre-image (Old, present only under replica
// identity full/index/default-with-key-change) and the post-image
// (New, always present).
type Update struct {
	RelationOID uint32
	HasOld      bool
	OldIsKey    bool // true if the pre-image was a 'K' (key-only) tuple, false for 'O' (full old row)
	Old         TupleData
	New         TupleData
}

// Delete carries the deleted row's pre-image.
type Delete struct {
	RelationOID uint32
	OldIsKey    bool
	Old         TupleData
}

// Truncate lists the relations truncated together in one statement.
type Truncate struct {
	Options   byte
	Relations []uint32
}

// LogicalMessage is a payload emitted via pg_logical_emit_message;
// the core does not interpret its content, only decodes the envelope.
type LogicalMessage struct {
	Transactional bool
	LSN           uint64
	Prefix        string
	Content       []byte
}

// Malformed is returned whenever a payload is too short or otherwise
// fails to parse. Decode never panics; this is the failure variant.
type Malformed struct {
	Raw    []byte
	Reason string
}

func (Begin) isMessage()          {}
func (Commit) isMessage()         {}
func (Relation) isMessage()       {}
func (Insert) isMessage()         {}
func (Update) isMessage()         {}
func (Delete) isMessage()         {}
func (Truncate) isMessage()       {}
func (LogicalMessage) isMessage() {}
func (Malformed) isMessage()      {}

// pgEpoch is 2000-01-01T00:00:00Z, the zero point for every Postgres
// replication timestamp.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func microsSincePGEpoch(us uint64) time.Time {
	return pgEpoch.Add(time.Duration(us) * time.Microsecond).UTC()
}

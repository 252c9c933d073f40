// Package assembler turns a stream of decoded protocol.Message values
// into types.ChangeEvent records. One Assembler is owned by exactly
// one Stream Worker; it is not safe for concurrent use.
package assembler

import (
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/mchavezi/smartcdc-backend/internal/log"
	"github.com/mchavezi/smartcdc-backend/internal/metrics"
	"github.com/mchavezi/smartcdc-backend/internal/protocol"
	"github.com/mchavezi/smartcdc-backend/internal/types"
)

// state is the assembler's position in the Begin/Commit cycle.
type state int

const (
	stateIdle state = iota
	stateInTx
)

// Assembler buffers row changes between a Begin and its Commit, then
// emits one types.ChangeEvent per buffered change with a 1-based seq
// counter scoped to that commit. It also owns the per-worker relation
// cache: Insert/Update/Delete reference relations by OID only, so a
// Relation message must be seen and cached before the first row
// change that depends on it.
type Assembler struct {
	dbID          string
	walPipelineID string

	state      state
	relations  map[uint32]types.RelationSchema
	tx         types.TransactionContext
	hasPending bool
}

// New returns an Assembler scoped to one (db_id, wal_pipeline_id)
// replication stream.
func New(dbID, walPipelineID string) *Assembler {
	return &Assembler{
		dbID:          dbID,
		walPipelineID: walPipelineID,
		state:         stateIdle,
		relations:     make(map[uint32]types.RelationSchema),
	}
}

// Feed advances the assembler by one decoded message. It returns the
// commit's events when msg is the Commit that closes the current
// transaction; otherwise it returns nil. Relation messages are cached
// in either state. Row-change and Commit messages that arrive while
// IDLE are logged as protocol violations and otherwise ignored —
// per-event errors never stop the stream.
func (a *Assembler) Feed(msg protocol.Message) []types.ChangeEvent {
	switch m := msg.(type) {
	case protocol.Begin:
		return a.onBegin(m)
	case protocol.Relation:
		a.onRelation(m)
	case protocol.Insert:
		a.onInsert(m)
	case protocol.Update:
		a.onUpdate(m)
	case protocol.Delete:
		a.onDelete(m)
	case protocol.Truncate:
		a.onTruncate(m)
	case protocol.Commit:
		return a.onCommit(m)
	case protocol.LogicalMessage:
		// The core does not interpret message content; nothing to buffer.
	case protocol.Malformed:
		metrics.MalformedMessagesTotal.Inc()
		log.WithComponent("assembler").Warn().Str("reason", m.Reason).Msg("dropping malformed protocol message")
	}
	return nil
}

func (a *Assembler) onBegin(m protocol.Begin) []types.ChangeEvent {
	if a.state == stateInTx {
		metrics.ProtocolViolationsTotal.Inc()
		log.WithComponent("assembler").Warn().Msg("Begin observed while already IN_TX; discarding prior buffer")
	}
	a.state = stateInTx
	a.tx = types.TransactionContext{
		XID:             m.XID,
		FinalLSN:        m.FinalLSN,
		BeginCommitTime: m.CommitTime,
	}
	a.hasPending = false
	return nil
}

func (a *Assembler) onRelation(m protocol.Relation) {
	cols := make([]types.Column, 0, len(m.Columns))
	for _, c := range m.Columns {
		cols = append(cols, types.Column{
			Name:    c.Name,
			TypeOID: c.TypeOID,
			TypeMod: c.TypeMod,
			IsKey:   c.IsKey,
		})
	}
	a.relations[m.RelationOID] = types.RelationSchema{
		RelationOID:     m.RelationOID,
		Namespace:       m.Namespace,
		RelationName:    m.RelationName,
		ReplicaIdentity: types.ReplicaIdentity(m.ReplicaIdentity),
		Columns:         cols,
	}
}

func (a *Assembler) requireInTx(op string) bool {
	if a.state != stateInTx {
		metrics.ProtocolViolationsTotal.Inc()
		log.WithComponent("assembler").Warn().Str("op", op).Msg("row change observed while IDLE; discarding")
		return false
	}
	return true
}

func (a *Assembler) onInsert(m protocol.Insert) {
	if !a.requireInTx("insert") {
		return
	}
	schema, ok := a.relations[m.RelationOID]
	if !ok {
		metrics.RelationCacheMissesTotal.Inc()
		log.WithComponent("assembler").Error().Uint32("relation_oid", m.RelationOID).Msg("insert references unknown relation; dropping row")
		return
	}
	new := zipTuple(schema.Columns, m.New)
	a.buffer(types.PendingChange{RelationOID: m.RelationOID, Action: types.ActionInsert, New: new})
}

func (a *Assembler) onUpdate(m protocol.Update) {
	if !a.requireInTx("update") {
		return
	}
	schema, ok := a.relations[m.RelationOID]
	if !ok {
		metrics.RelationCacheMissesTotal.Inc()
		log.WithComponent("assembler").Error().Uint32("relation_oid", m.RelationOID).Msg("update references unknown relation; dropping row")
		return
	}
	new := zipTuple(schema.Columns, m.New)
	var old map[string]types.Value
	if m.HasOld {
		if m.OldIsKey {
			old = zipTupleNames(keyColumnNames(schema), m.Old)
		} else {
			old = zipTuple(schema.Columns, m.Old)
		}
	}
	a.buffer(types.PendingChange{RelationOID: m.RelationOID, Action: types.ActionUpdate, New: new, Old: old})
}

func (a *Assembler) onDelete(m protocol.Delete) {
	if !a.requireInTx("delete") {
		return
	}
	schema, ok := a.relations[m.RelationOID]
	if !ok {
		metrics.RelationCacheMissesTotal.Inc()
		log.WithComponent("assembler").Error().Uint32("relation_oid", m.RelationOID).Msg("delete references unknown relation; dropping row")
		return
	}
	var old map[string]types.Value
	if m.OldIsKey {
		old = zipTupleNames(keyColumnNames(schema), m.Old)
	} else {
		old = zipTuple(schema.Columns, m.Old)
	}
	a.buffer(types.PendingChange{RelationOID: m.RelationOID, Action: types.ActionDelete, Old: old})
}

func (a *Assembler) onTruncate(m protocol.Truncate) {
	if !a.requireInTx("truncate") {
		return
	}
	for _, oid := range m.Relations {
		a.buffer(types.PendingChange{RelationOID: oid, Action: types.ActionTruncate})
	}
}

func (a *Assembler) buffer(pc types.PendingChange) {
	a.tx.Pending = append(a.tx.Pending, pc)
	a.hasPending = true
}

// onCommit materializes every buffered PendingChange into a
// types.ChangeEvent, assigning seq as a 1-based counter within this
// commit (see spec's canonical-seq resolution; the source's
// commit_lsn+xid scheme is not reproduced).
func (a *Assembler) onCommit(m protocol.Commit) []types.ChangeEvent {
	if a.state != stateInTx {
		metrics.ProtocolViolationsTotal.Inc()
		log.WithComponent("assembler").Warn().Msg("Commit observed while IDLE; ignoring")
		return nil
	}

	events := make([]types.ChangeEvent, 0, len(a.tx.Pending))
	var seq uint64
	for _, pc := range a.tx.Pending {
		seq++
		events = append(events, a.materialize(pc, m, seq))
	}

	a.state = stateIdle
	a.tx = types.TransactionContext{}
	a.hasPending = false

	for _, ev := range events {
		metrics.EventsEmittedTotal.WithLabelValues(string(ev.Action)).Inc()
	}
	return events
}

func (a *Assembler) materialize(pc types.PendingChange, commit protocol.Commit, seq uint64) types.ChangeEvent {
	schema := a.relations[pc.RelationOID]

	ev := types.ChangeEvent{
		ID:                uuid.NewString(),
		DBID:              a.dbID,
		WALPipelineID:     a.walPipelineID,
		CommitLSN:         commit.CommitLSN,
		EndLSN:            commit.EndLSN,
		Seq:               seq,
		Action:            pc.Action,
		CommittedAt:       commit.CommitTime,
		SourceTableOID:    pc.RelationOID,
		SourceTableSchema: schema.Namespace,
		SourceTableName:   schema.RelationName,
	}

	switch pc.Action {
	case types.ActionInsert:
		ev.Record = omitUnchanged(pc.New)
		ev.RecordPKs = keyValues(schema, pc.New)
	case types.ActionUpdate:
		ev.Record = omitUnchanged(pc.New)
		ev.RecordPKs = keyValues(schema, pc.New)
		ev.Changes = diff(pc.Old, pc.New)
	case types.ActionDelete:
		ev.Record = omitUnchanged(pc.Old)
		ev.RecordPKs = keyValues(schema, pc.Old)
	case types.ActionTruncate:
		// record/record_pks/changes all left nil per the truncate
		// resolution: a truncate has no row image.
	}
	ev.Data = ev.Record
	return ev
}

func keyColumnNames(schema types.RelationSchema) []string {
	keys := schema.KeyColumns()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.Name
	}
	return names
}

func zipTuple(cols []types.Column, t protocol.TupleData) map[string]types.Value {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return zipTupleNames(names, t)
}

func zipTupleNames(names []string, t protocol.TupleData) map[string]types.Value {
	out := make(map[string]types.Value, len(t.Columns))
	for i, col := range t.Columns {
		if i >= len(names) {
			break
		}
		out[names[i]] = decodeValue(col)
	}
	return out
}

func decodeValue(col protocol.TupleColumn) types.Value {
	switch col.Kind {
	case protocol.ColumnNull:
		return types.NewNullValue()
	case protocol.ColumnUnchanged:
		return types.UnchangedValue
	case protocol.ColumnBinary:
		return types.NewBinaryValue(hex.EncodeToString(col.Value))
	default: // protocol.ColumnText
		return types.NewTextValue(string(col.Value))
	}
}

// omitUnchanged drops Unchanged-sentinel entries from a tuple map:
// per the spec's resolution, an unchanged TOAST value is never
// written into record, only surfaced via changes when it actually
// differs (which it structurally cannot, since no new bytes arrived).
func omitUnchanged(m map[string]types.Value) map[string]types.Value {
	if m == nil {
		return nil
	}
	out := make(map[string]types.Value, len(m))
	for k, v := range m {
		if v.Kind == types.ValueUnchanged {
			continue
		}
		out[k] = v
	}
	return out
}

// diff returns the old values of every column whose value differs
// between old and new tuples, or an empty (non-nil) map when old is
// absent or nothing differs.
func diff(old, new map[string]types.Value) map[string]types.Value {
	changes := make(map[string]types.Value)
	for name, oldVal := range old {
		newVal, ok := new[name]
		if !ok {
			changes[name] = oldVal
			continue
		}
		if newVal.Kind == types.ValueUnchanged {
			// marker 'u' in the new tuple means this TOASTed column
			// wasn't touched by the update; it cannot have changed.
			continue
		}
		if oldVal.Kind != newVal.Kind || oldVal.Text != newVal.Text {
			changes[name] = oldVal
		}
	}
	return changes
}

func keyValues(schema types.RelationSchema, tuple map[string]types.Value) []string {
	keys := schema.KeyColumns()
	pks := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := tuple[k.Name]; ok {
			pks = append(pks, valueToPKString(v))
		}
	}
	return pks
}

func valueToPKString(v types.Value) string {
	switch v.Kind {
	case types.ValueNull:
		return ""
	case types.ValueUnchanged:
		return "unchanged"
	default:
		return v.Text
	}
}


package assembler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mchavezi/smartcdc-backend/internal/protocol"
	"github.com/mchavezi/smartcdc-backend/internal/types"
)

func relation(oid uint32, cols ...protocol.RelationColumn) protocol.Relation {
	return protocol.Relation{
		RelationOID:     oid,
		Namespace:       "public",
		RelationName:    "t",
		ReplicaIdentity: 'd',
		Columns:         cols,
	}
}

func textCol(v string) protocol.TupleColumn {
	return protocol.TupleColumn{Kind: protocol.ColumnText, Value: []byte(v)}
}

func unchangedCol() protocol.TupleColumn {
	return protocol.TupleColumn{Kind: protocol.ColumnUnchanged}
}

// Scenario 1: insert, single column.
func TestAssembler_InsertSingleColumn(t *testing.T) {
	a := New("db1", "pipeline1")

	require.Nil(t, a.Feed(protocol.Begin{FinalLSN: 0x01, CommitTime: time.Now(), XID: 100}))
	a.Feed(relation(16384, protocol.RelationColumn{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true}))
	a.Feed(protocol.Insert{RelationOID: 16384, New: protocol.TupleData{Columns: []protocol.TupleColumn{textCol("42")}}})

	events := a.Feed(protocol.Commit{Flags: 0, CommitLSN: 0x10, EndLSN: 0x18})
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, types.ActionInsert, ev.Action)
	assert.Equal(t, uint64(16), ev.CommitLSN)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, "42", ev.Record["id"].Text)
	assert.Equal(t, []string{"42"}, ev.RecordPKs)
	assert.Nil(t, ev.Changes)
	assert.Equal(t, "public", ev.SourceTableSchema)
	assert.Equal(t, "t", ev.SourceTableName)
}

// Scenario 2: update with key change.
func TestAssembler_UpdateWithKeyChange(t *testing.T) {
	a := New("db1", "pipeline1")

	a.Feed(protocol.Begin{FinalLSN: 0x20, CommitTime: time.Now(), XID: 101})
	a.Feed(relation(16384, protocol.RelationColumn{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true}))
	a.Feed(protocol.Update{
		RelationOID: 16384,
		HasOld:      true,
		OldIsKey:    true,
		Old:         protocol.TupleData{Columns: []protocol.TupleColumn{textCol("1")}},
		New:         protocol.TupleData{Columns: []protocol.TupleColumn{textCol("2")}},
	})

	events := a.Feed(protocol.Commit{CommitLSN: 0x20})
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, types.ActionUpdate, ev.Action)
	assert.Equal(t, "2", ev.Record["id"].Text)
	assert.Equal(t, []string{"2"}, ev.RecordPKs)
	require.NotNil(t, ev.Changes)
	assert.Equal(t, "1", ev.Changes["id"].Text)
}

// Scenario 3: delete with replica identity full.
func TestAssembler_DeleteReplicaIdentityFull(t *testing.T) {
	a := New("db1", "pipeline1")

	a.Feed(protocol.Begin{FinalLSN: 0x30, CommitTime: time.Now(), XID: 102})
	a.Feed(relation(16384,
		protocol.RelationColumn{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true},
		protocol.RelationColumn{Name: "name", TypeOID: 25, TypeMod: -1},
	))
	a.Feed(protocol.Delete{
		RelationOID: 16384,
		OldIsKey:    false,
		Old:         protocol.TupleData{Columns: []protocol.TupleColumn{textCol("5"), textCol("alice")}},
	})

	events := a.Feed(protocol.Commit{CommitLSN: 0x30})
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, types.ActionDelete, ev.Action)
	assert.Equal(t, "5", ev.Record["id"].Text)
	assert.Equal(t, "alice", ev.Record["name"].Text)
	assert.Equal(t, []string{"5"}, ev.RecordPKs)
	assert.Nil(t, ev.Changes)
}

// Scenario 4: unchanged TOAST in update.
func TestAssembler_UnchangedToastInUpdate(t *testing.T) {
	a := New("db1", "pipeline1")

	a.Feed(protocol.Begin{FinalLSN: 0x40, CommitTime: time.Now(), XID: 103})
	a.Feed(relation(16384,
		protocol.RelationColumn{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true},
		protocol.RelationColumn{Name: "blob", TypeOID: 17, TypeMod: -1},
	))
	a.Feed(protocol.Update{
		RelationOID: 16384,
		HasOld:      true,
		OldIsKey:    false,
		Old:         protocol.TupleData{Columns: []protocol.TupleColumn{textCol("7"), unchangedCol()}},
		New:         protocol.TupleData{Columns: []protocol.TupleColumn{textCol("7"), unchangedCol()}},
	})

	events := a.Feed(protocol.Commit{CommitLSN: 0x40})
	require.Len(t, events, 1)

	ev := events[0]
	assert.Empty(t, ev.Changes)
	_, present := ev.Record["blob"]
	assert.False(t, present, "unchanged sentinel must be omitted from record")
	assert.Equal(t, "7", ev.Record["id"].Text)
}

// Scenario 5: cross-commit ordering.
func TestAssembler_CrossCommitOrdering(t *testing.T) {
	a := New("db1", "pipeline1")
	a.Feed(relation(1, protocol.RelationColumn{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true}))

	a.Feed(protocol.Begin{FinalLSN: 0x50, XID: 200})
	a.Feed(protocol.Insert{RelationOID: 1, New: protocol.TupleData{Columns: []protocol.TupleColumn{textCol("1")}}})
	first := a.Feed(protocol.Commit{CommitLSN: 0x50, EndLSN: 0x58})
	require.Len(t, first, 1)

	a.Feed(protocol.Begin{FinalLSN: 0x60, XID: 201})
	a.Feed(protocol.Insert{RelationOID: 1, New: protocol.TupleData{Columns: []protocol.TupleColumn{textCol("2")}}})
	second := a.Feed(protocol.Commit{CommitLSN: 0x60, EndLSN: 0x68})
	require.Len(t, second, 1)

	assert.Less(t, first[0].CommitLSN, second[0].CommitLSN)
	assert.Equal(t, uint64(0x58), first[0].EndLSN, "feedback point is end_lsn, not commit_lsn")
	assert.Equal(t, uint64(0x68), second[0].EndLSN)
}

// Replica identity full: a TOASTed column the update statement didn't
// touch arrives with its real value in the old tuple but marker 'u'
// in the new tuple. It must not show up in changes even though the
// old and new values compare unequal.
func TestAssembler_UnchangedToastInUpdate_FullReplicaIdentity(t *testing.T) {
	a := New("db1", "pipeline1")

	a.Feed(protocol.Begin{FinalLSN: 0x41, CommitTime: time.Now(), XID: 104})
	a.Feed(relation(16384,
		protocol.RelationColumn{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true},
		protocol.RelationColumn{Name: "blob", TypeOID: 17, TypeMod: -1},
	))
	a.Feed(protocol.Update{
		RelationOID: 16384,
		HasOld:      true,
		OldIsKey:    false,
		Old:         protocol.TupleData{Columns: []protocol.TupleColumn{textCol("7"), textCol("old-blob-value")}},
		New:         protocol.TupleData{Columns: []protocol.TupleColumn{textCol("8"), unchangedCol()}},
	})

	events := a.Feed(protocol.Commit{CommitLSN: 0x41})
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "7", ev.Changes["id"].Text, "changes holds the old value of a column that did change")
	_, present := ev.Changes["blob"]
	assert.False(t, present, "a column unchanged in the new tuple must never appear in changes")
}

func TestAssembler_MultipleChangesGetSequentialSeq(t *testing.T) {
	a := New("db1", "pipeline1")
	a.Feed(relation(1, protocol.RelationColumn{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true}))

	a.Feed(protocol.Begin{FinalLSN: 0x70, XID: 300})
	a.Feed(protocol.Insert{RelationOID: 1, New: protocol.TupleData{Columns: []protocol.TupleColumn{textCol("1")}}})
	a.Feed(protocol.Insert{RelationOID: 1, New: protocol.TupleData{Columns: []protocol.TupleColumn{textCol("2")}}})
	a.Feed(protocol.Insert{RelationOID: 1, New: protocol.TupleData{Columns: []protocol.TupleColumn{textCol("3")}}})

	events := a.Feed(protocol.Commit{CommitLSN: 0x70})
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, ev.CommitLSN, events[0].CommitLSN)
	}
}

func TestAssembler_RelationCacheMissDropsRowButContinuesStream(t *testing.T) {
	a := New("db1", "pipeline1")

	a.Feed(protocol.Begin{FinalLSN: 0x80, XID: 400})
	// No Relation seen for oid 999 (simulates a worker restart that
	// lost its in-memory cache without a re-announced Relation).
	a.Feed(protocol.Insert{RelationOID: 999, New: protocol.TupleData{Columns: []protocol.TupleColumn{textCol("1")}}})

	events := a.Feed(protocol.Commit{CommitLSN: 0x80})
	assert.Empty(t, events, "row referencing unknown relation must be dropped, not emitted")
}

func TestAssembler_TruncateEmitsEventPerRelation(t *testing.T) {
	a := New("db1", "pipeline1")
	a.Feed(relation(1, protocol.RelationColumn{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true}))
	a.Feed(relation(2, protocol.RelationColumn{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true}))

	a.Feed(protocol.Begin{FinalLSN: 0x90, XID: 500})
	a.Feed(protocol.Truncate{Relations: []uint32{1, 2}})

	events := a.Feed(protocol.Commit{CommitLSN: 0x90})
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, types.ActionTruncate, ev.Action)
		assert.Nil(t, ev.Record)
		assert.Nil(t, ev.RecordPKs)
	}
}

func TestAssembler_MalformedMessageIsIgnored(t *testing.T) {
	a := New("db1", "pipeline1")
	a.Feed(protocol.Begin{FinalLSN: 0xa0, XID: 600})
	events := a.Feed(protocol.Malformed{Raw: []byte{0x01}, Reason: "test"})
	assert.Nil(t, events)
}

func TestAssembler_CommitWhileIdleIsIgnored(t *testing.T) {
	a := New("db1", "pipeline1")
	events := a.Feed(protocol.Commit{CommitLSN: 1})
	assert.Nil(t, events)
}

package protocol

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putU16(buf []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(buf, v) }
func putU32(buf []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(buf, v) }
func putU64(buf []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(buf, v) }

func cstrBytes(s string) []byte { return append([]byte(s), 0) }

func TestDecode_EmptyPayload(t *testing.T) {
	msg := Decode(nil)
	malformed, ok := msg.(Malformed)
	require.True(t, ok, "expected Malformed, got %T", msg)
	assert.Empty(t, malformed.Raw)
}

func TestDecode_UnknownTag(t *testing.T) {
	msg := Decode([]byte{'Z', 1, 2, 3})
	_, ok := msg.(Malformed)
	assert.True(t, ok)
}

func TestDecode_TruncatedBegin(t *testing.T) {
	msg := Decode([]byte{'B', 0, 0, 0})
	_, ok := msg.(Malformed)
	assert.True(t, ok, "short Begin payload must be Malformed, not panic")
}

func TestDecode_Begin(t *testing.T) {
	var buf []byte
	buf = append(buf, 'B')
	buf = putU64(buf, 0x01)
	buf = putU64(buf, 0) // ts=2000-01-01 epoch exactly
	buf = putU32(buf, 100)

	msg := Decode(buf)
	begin, ok := msg.(Begin)
	require.True(t, ok)
	assert.Equal(t, uint64(0x01), begin.FinalLSN)
	assert.Equal(t, uint32(100), begin.XID)
	assert.Equal(t, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), begin.CommitTime)
}

func TestDecode_Commit(t *testing.T) {
	var buf []byte
	buf = append(buf, 'C', 0)
	buf = putU64(buf, 0x10)
	buf = putU64(buf, 0x18)
	buf = putU64(buf, 0)

	msg := Decode(buf)
	commit, ok := msg.(Commit)
	require.True(t, ok)
	assert.Equal(t, uint64(0x10), commit.CommitLSN)
	assert.Equal(t, uint64(0x18), commit.EndLSN)
}

func buildRelation(oid uint32, namespace, name string, identity byte, cols []RelationColumn) []byte {
	var buf []byte
	buf = append(buf, 'R')
	buf = putU32(buf, oid)
	buf = append(buf, cstrBytes(namespace)...)
	buf = append(buf, cstrBytes(name)...)
	buf = append(buf, identity)
	buf = putU16(buf, uint16(len(cols)))
	for _, c := range cols {
		var flags byte
		if c.IsKey {
			flags = 1
		}
		buf = append(buf, flags)
		buf = append(buf, cstrBytes(c.Name)...)
		buf = putU32(buf, c.TypeOID)
		buf = putU32(buf, uint32(c.TypeMod))
	}
	return buf
}

func TestDecode_Relation(t *testing.T) {
	buf := buildRelation(16384, "public", "t", 'd', []RelationColumn{
		{IsKey: true, Name: "id", TypeOID: 23, TypeMod: -1},
	})

	msg := Decode(buf)
	rel, ok := msg.(Relation)
	require.True(t, ok)
	assert.Equal(t, uint32(16384), rel.RelationOID)
	assert.Equal(t, "public", rel.Namespace)
	assert.Equal(t, "t", rel.RelationName)
	require.Len(t, rel.Columns, 1)
	assert.True(t, rel.Columns[0].IsKey)
	assert.Equal(t, "id", rel.Columns[0].Name)
}

func buildTupleData(markers []byte, values [][]byte) []byte {
	var buf []byte
	buf = putU16(buf, uint16(len(markers)))
	for i, m := range markers {
		buf = append(buf, m)
		switch ColumnValueKind(m) {
		case ColumnText, ColumnBinary:
			buf = putU32(buf, uint32(len(values[i])))
			buf = append(buf, values[i]...)
		}
	}
	return buf
}

func TestDecode_InsertSingleColumn(t *testing.T) {
	var buf []byte
	buf = append(buf, 'I')
	buf = putU32(buf, 16384)
	buf = append(buf, 'N')
	buf = append(buf, buildTupleData([]byte{'t'}, [][]byte{[]byte("42")})...)

	msg := Decode(buf)
	ins, ok := msg.(Insert)
	require.True(t, ok)
	assert.Equal(t, uint32(16384), ins.RelationOID)
	require.Len(t, ins.New.Columns, 1)
	assert.Equal(t, ColumnText, ins.New.Columns[0].Kind)
	assert.Equal(t, "42", string(ins.New.Columns[0].Value))
}

func TestDecode_InsertWithUnchangedMarker_IsMalformed(t *testing.T) {
	var buf []byte
	buf = append(buf, 'I')
	buf = putU32(buf, 16384)
	buf = append(buf, 'N')
	buf = append(buf, buildTupleData([]byte{'u'}, [][]byte{nil})...)

	msg := Decode(buf)
	_, ok := msg.(Malformed)
	assert.True(t, ok, "'u' marker inside INSERT must be Malformed")
}

func TestDecode_UpdateWithKeyChange(t *testing.T) {
	var buf []byte
	buf = append(buf, 'U')
	buf = putU32(buf, 16384)
	buf = append(buf, 'K')
	buf = append(buf, buildTupleData([]byte{'t'}, [][]byte{[]byte("1")})...)
	buf = append(buf, 'N')
	buf = append(buf, buildTupleData([]byte{'t'}, [][]byte{[]byte("2")})...)

	msg := Decode(buf)
	upd, ok := msg.(Update)
	require.True(t, ok)
	assert.True(t, upd.HasOld)
	assert.True(t, upd.OldIsKey)
	assert.Equal(t, "1", string(upd.Old.Columns[0].Value))
	assert.Equal(t, "2", string(upd.New.Columns[0].Value))
}

func TestDecode_DeleteReplicaIdentityFull(t *testing.T) {
	var buf []byte
	buf = append(buf, 'D')
	buf = putU32(buf, 16384)
	buf = append(buf, 'O')
	buf = append(buf, buildTupleData([]byte{'t', 't'}, [][]byte{[]byte("5"), []byte("alice")})...)

	msg := Decode(buf)
	del, ok := msg.(Delete)
	require.True(t, ok)
	assert.False(t, del.OldIsKey)
	assert.Equal(t, "5", string(del.Old.Columns[0].Value))
	assert.Equal(t, "alice", string(del.Old.Columns[1].Value))
}

func TestDecode_UnchangedToastInUpdate(t *testing.T) {
	var buf []byte
	buf = append(buf, 'U')
	buf = putU32(buf, 16384)
	buf = append(buf, 'O')
	buf = append(buf, buildTupleData([]byte{'t', 'u'}, [][]byte{[]byte("7"), nil})...)
	buf = append(buf, 'N')
	buf = append(buf, buildTupleData([]byte{'t', 'u'}, [][]byte{[]byte("7"), nil})...)

	msg := Decode(buf)
	upd, ok := msg.(Update)
	require.True(t, ok)
	assert.Equal(t, ColumnUnchanged, upd.Old.Columns[1].Kind)
	assert.Equal(t, ColumnUnchanged, upd.New.Columns[1].Kind)
}

func TestDecode_Truncate(t *testing.T) {
	var buf []byte
	buf = append(buf, 'T')
	buf = putU32(buf, 2)
	buf = append(buf, 0)
	buf = putU32(buf, 100)
	buf = putU32(buf, 200)

	msg := Decode(buf)
	tr, ok := msg.(Truncate)
	require.True(t, ok)
	assert.Equal(t, []uint32{100, 200}, tr.Relations)
}

func TestDecode_LogicalMessage(t *testing.T) {
	var buf []byte
	buf = append(buf, 'M', 't')
	buf = putU64(buf, 0x99)
	buf = append(buf, cstrBytes("myprefix")...)
	content := []byte("hello")
	buf = putU32(buf, uint32(len(content)))
	buf = append(buf, content...)

	msg := Decode(buf)
	lm, ok := msg.(LogicalMessage)
	require.True(t, ok)
	assert.True(t, lm.Transactional)
	assert.Equal(t, "myprefix", lm.Prefix)
	assert.Equal(t, "hello", string(lm.Content))
}

func TestDecode_ReDecodeIsNoOp(t *testing.T) {
	buf := buildRelation(1, "public", "t", 'd', []RelationColumn{{Name: "id", TypeOID: 23, TypeMod: -1, IsKey: true}})
	first := Decode(buf)
	second := Decode(buf)
	assert.Equal(t, first, second)
}

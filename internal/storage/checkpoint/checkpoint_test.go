package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	cache, err := Open(dir)
	require.NoError(t, err)
	defer cache.Close()

	_, found, err := cache.FlushLSN("db1", "slot1")
	require.NoError(t, err)
	assert.False(t, found, "no checkpoint should exist before the first write")

	require.NoError(t, cache.SetFlushLSN("db1", "slot1", 0x1234))

	lsn, found, err := cache.FlushLSN("db1", "slot1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(0x1234), lsn)
}

func TestCheckpoint_DistinctSlotsDoNotCollide(t *testing.T) {
	dir := t.TempDir()

	cache, err := Open(dir)
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.SetFlushLSN("db1", "slot1", 10))
	require.NoError(t, cache.SetFlushLSN("db2", "slot1", 20))

	lsn1, _, err := cache.FlushLSN("db1", "slot1")
	require.NoError(t, err)
	lsn2, _, err := cache.FlushLSN("db2", "slot1")
	require.NoError(t, err)

	assert.Equal(t, uint64(10), lsn1)
	assert.Equal(t, uint64(20), lsn2)
}

func TestCheckpoint_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	cache, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, cache.SetFlushLSN("db1", "slot1", 99))
	require.NoError(t, cache.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	lsn, found, err := reopened.FlushLSN("db1", "slot1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(99), lsn)
}

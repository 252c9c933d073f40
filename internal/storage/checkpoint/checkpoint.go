// Package checkpoint caches the last flush LSN per replication slot in
// a local BoltDB file. It is advisory only: the durable position of
// record is Postgres's own replication slot state, and the Stream
// Worker writes to this cache but never reads it on startup.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketLSN = []byte("flush_lsn")

// Cache is a BoltDB-backed key-value store mapping slot key
// ("db_id/slot_name") to the last flush LSN sent upstream.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if absent) the checkpoint database under
// dataDir.
func Open(dataDir string) (*Cache, error) {
	dbPath := filepath.Join(dataDir, "walcore-checkpoint.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLSN)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying database file.
func (c *Cache) Close() error {
	return c.db.Close()
}

func slotKey(dbID, slotName string) []byte {
	return []byte(dbID + "/" + slotName)
}

// SetFlushLSN records the last LSN acknowledged to Postgres for a slot.
func (c *Cache) SetFlushLSN(dbID, slotName string, lsn uint64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLSN)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, lsn)
		return b.Put(slotKey(dbID, slotName), buf)
	})
}

// FlushLSN returns the last checkpointed LSN for a slot, and whether
// one was found at all (false on first-ever startup for that slot).
func (c *Cache) FlushLSN(dbID, slotName string) (uint64, bool, error) {
	var lsn uint64
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLSN)
		data := b.Get(slotKey(dbID, slotName))
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("corrupt checkpoint entry for %s/%s", dbID, slotName)
		}
		lsn = binary.BigEndian.Uint64(data)
		found = true
		return nil
	})
	return lsn, found, err
}

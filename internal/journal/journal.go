// Package journal provides a BoltDB-backed local history of sync cycles.
// It exists purely for on-device diagnostics (`tuxagent history`); the sync
// engine writes to it best-effort and never fails a cycle on journal errors.
package journal

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var syncsBucket = []byte("syncs")

// Record is the outcome of one sync cycle.
type Record struct {
	SyncID       string        `msgpack:"sync_id"`
	Started      time.Time     `msgpack:"started"`
	Duration     time.Duration `msgpack:"duration"`
	DiskReported bool          `msgpack:"disk_reported"`
	MetaSent     bool          `msgpack:"meta_sent"`
	OK           bool          `msgpack:"ok"`
	Error        string        `msgpack:"error,omitempty"`
}

// Journal wraps a bbolt database of sync records, pruned to a keep count.
type Journal struct {
	db   *bolt.DB
	keep int
	mu   sync.Mutex
	log  zerolog.Logger
}

// Open opens or creates the journal database at the given path.
func Open(path string, keep int, log zerolog.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(syncsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating syncs bucket: %w", err)
	}

	return &Journal{db: db, keep: keep, log: log}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records one sync outcome and prunes entries beyond the keep count.
func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}

		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling sync record: %w", err)
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("storing sync record: %w", err)
		}

		// Drop oldest entries past the keep limit.
		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		excess := count - j.keep
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return fmt.Errorf("pruning sync record: %w", err)
			}
			excess--
		}
		return nil
	})
}

// Recent returns up to n records, newest first.
func (j *Journal) Recent(n int) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var records []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncsBucket)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(records) < n; k, v = c.Prev() {
			var rec Record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				j.log.Warn().Err(err).Msg("Skipping undecodable journal record")
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return records, nil
}

package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords  = []byte("records")
	bucketUnsynced = []byte("unsynced")
	unsyncedMark   = []byte{1}
)

// Bolt is a Log backed by a bbolt file. Records are JSON values keyed by
// big-endian id; the unsynced bucket indexes ids still awaiting delivery.
type Bolt struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

// OpenBolt opens or creates the journal at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketUnsynced} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Append stores r and indexes it as unsynced.
func (j *Bolt) Append(r Record) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrClosed
	}

	var id uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		seq, err := records.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		r.ID = id
		r.Synced = false
		val, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		key := itob(id)
		if err := records.Put(key, val); err != nil {
			return err
		}
		return tx.Bucket(bucketUnsynced).Put(key, unsyncedMark)
	})
	if err != nil {
		return 0, fmt.Errorf("append %s record: %w", r.Kind, err)
	}
	return id, nil
}

// FetchUnsynced walks the unsynced index in id order.
func (j *Bolt) FetchUnsynced(limit int) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		c := tx.Bucket(bucketUnsynced).Cursor()
		for k, _ := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, _ = c.Next() {
			val := records.Get(k)
			if val == nil {
				continue
			}
			var r Record
			if err := json.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("decode record %d: %w", btoi(k), err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch unsynced: %w", err)
	}
	return out, nil
}

// MarkSynced removes ids from the unsynced index and sets their flag.
func (j *Bolt) MarkSynced(ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		unsynced := tx.Bucket(bucketUnsynced)
		for _, id := range ids {
			key := itob(id)
			if unsynced.Get(key) == nil {
				continue
			}
			if err := unsynced.Delete(key); err != nil {
				return err
			}
			val := records.Get(key)
			if val == nil {
				continue
			}
			var r Record
			if err := json.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("decode record %d: %w", id, err)
			}
			r.Synced = true
			val, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode record %d: %w", id, err)
			}
			if err := records.Put(key, val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// Sweep deletes synced records observed before cutoff.
func (j *Bolt) Sweep(cutoff time.Time) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrClosed
	}

	n := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		var doomed [][]byte
		err := records.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %d: %w", btoi(k), err)
			}
			if r.Synced && r.ObservedAt.Before(cutoff) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := records.Delete(k); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return n, nil
}

// Pending counts the unsynced index.
func (j *Bolt) Pending() (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrClosed
	}

	n := 0
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketUnsynced).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying file. Further calls return ErrClosed.
func (j *Bolt) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

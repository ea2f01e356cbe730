package cache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Enqueue appends a write to the queue and returns its entry id. The entry is
// either fully stored or not stored at all.
func (s *Store) Enqueue(op Op, payload Payload) (uint64, error) {
	if payload.IdempotencyKey == "" {
		return 0, fmt.Errorf("enqueue %s: idempotency key is required", op)
	}
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		seq, err := queue.NextSequence()
		if err != nil {
			return err
		}
		entry := Entry{
			ID:         seq,
			Op:         op,
			Payload:    payload,
			EnqueuedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := queue.Put(itob(seq), data); err != nil {
			return err
		}
		id = seq
		return nil
	})
	if err != nil {
		return 0, persistErr("enqueue", err)
	}
	return id, nil
}

// ListQueue returns every queued entry in enqueue order.
func (s *Store) ListQueue() ([]Entry, error) {
	entries := make([]Entry, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, persistErr("list queue", err)
	}
	return entries, nil
}

func (s *Store) QueueLen() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, persistErr("queue length", err)
	}
	return n, nil
}

// ClearQueueEntry removes an acknowledged entry. Clearing an unknown id is a no-op.
func (s *Store) ClearQueueEntry(id uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete(itob(id))
	})
	if err != nil {
		return persistErr("clear queue entry", err)
	}
	return nil
}

// HasQueued reports whether any queued entry targets clientID. A write for
// that line must queue behind it to keep program order.
func (s *Store) HasQueued(clientID string) (bool, error) {
	if clientID == "" {
		return false, nil
	}
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Payload.ClientID == clientID {
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, persistErr("check queue", err)
	}
	return found, nil
}

// DropQueued removes every entry that targets clientID and reports how many
// were removed. Used when a line is deleted, confirmed or not.
func (s *Store) DropQueued(clientID string) (int, error) {
	if clientID == "" {
		return 0, nil
	}
	var dropped int
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		var keys [][]byte
		err := queue.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Payload.ClientID == clientID {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := queue.Delete(k); err != nil {
				return err
			}
		}
		dropped = len(keys)
		return nil
	})
	if err != nil {
		return 0, persistErr("drop queued", err)
	}
	return dropped, nil
}

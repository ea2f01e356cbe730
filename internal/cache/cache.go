// Package cache is the writer's local durable store: last-known session and
// line snapshots plus the FIFO queue of writes the server has not acknowledged.
//
// Every write runs in a single bbolt transaction and is on disk when the call
// returns. The queue is touched by both the foreground editor and the replay
// runner, so nothing here ever splits a read and its dependent write across
// two transactions.
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"lyricsync/internal/wire"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence failure")
)

var (
	bucketSessions  = []byte("sessions")
	bucketLines     = []byte("lines")
	bucketLineOwner = []byte("line_owner")
	bucketQueue     = []byte("queue")
)

// Op is the kind of write held in the queue. Deletes fail hard instead of
// queueing, so there is no delete op.
type Op string

const (
	OpAdd           Op = "add"
	OpUpdate        Op = "update"
	OpSessionUpdate Op = "session-update"
)

// Payload is what a queued write needs to be replayed later.
type Payload struct {
	SessionID      string          `json:"sessionId"`
	LineID         int64           `json:"lineId,omitempty"`
	ClientID       string          `json:"clientId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Body           json.RawMessage `json:"body,omitempty"`
}

// Entry is one queued write. ID increases with enqueue order.
type Entry struct {
	ID         uint64    `json:"id"`
	Op         Op        `json:"op"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type Store struct {
	db *bolt.DB
}

// Open opens or creates the cache file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, persistErr("open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketLines, bucketLineOwner, bucketQueue} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, persistErr("create buckets", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveSession(session wire.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(session.ID), data)
	})
	if err != nil {
		return persistErr("save session", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (wire.Session, error) {
	var session wire.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &session)
	})
	if errors.Is(err, ErrNotFound) {
		return wire.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return wire.Session{}, persistErr("get session", err)
	}
	return session, nil
}

// SaveLine stores a confirmed line. Lines without a server id are not cached.
func (s *Store) SaveLine(line wire.Line) error {
	if line.ID == 0 {
		return fmt.Errorf("save line: line has no server id")
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal line: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return putLine(tx, line, data)
	})
	if err != nil {
		return persistErr("save line", err)
	}
	return nil
}

// SaveSnapshot replaces the session and its whole line list in one transaction.
func (s *Store) SaveSnapshot(detail wire.SessionDetail) error {
	sessionData, err := json.Marshal(detail.Session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Put([]byte(detail.Session.ID), sessionData); err != nil {
			return err
		}
		if err := deleteSessionLines(tx, detail.Session.ID); err != nil {
			return err
		}
		for _, line := range detail.Lines {
			if line.ID == 0 {
				continue
			}
			data, err := json.Marshal(line)
			if err != nil {
				return err
			}
			if err := putLine(tx, line, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistErr("save snapshot", err)
	}
	return nil
}

// LinesForSession returns cached lines ordered by line number.
func (s *Store) LinesForSession(sessionID string) ([]wire.Line, error) {
	lines := make([]wire.Line, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := sessionPrefix(sessionID)
		c := tx.Bucket(bucketLines).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var line wire.Line
			if err := json.Unmarshal(v, &line); err != nil {
				return err
			}
			lines = append(lines, line)
		}
		return nil
	})
	if err != nil {
		return nil, persistErr("list lines", err)
	}
	sortByLineNumber(lines)
	return lines, nil
}

// LineByClientID finds a cached line of sessionID by the client id it was
// created with.
func (s *Store) LineByClientID(sessionID, clientID string) (wire.Line, error) {
	lines, err := s.LinesForSession(sessionID)
	if err != nil {
		return wire.Line{}, err
	}
	for _, line := range lines {
		if clientID != "" && line.ClientID == clientID {
			return line, nil
		}
	}
	return wire.Line{}, fmt.Errorf("line with client id %s: %w", clientID, ErrNotFound)
}

func (s *Store) DeleteLine(id int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		owners := tx.Bucket(bucketLineOwner)
		idKey := []byte(strconv.FormatInt(id, 10))
		sessionID := owners.Get(idKey)
		if sessionID == nil {
			return nil
		}
		if err := tx.Bucket(bucketLines).Delete(lineKey(string(sessionID), id)); err != nil {
			return err
		}
		return owners.Delete(idKey)
	})
	if err != nil {
		return persistErr("delete line", err)
	}
	return nil
}

func putLine(tx *bolt.Tx, line wire.Line, data []byte) error {
	if err := tx.Bucket(bucketLines).Put(lineKey(line.SessionID, line.ID), data); err != nil {
		return err
	}
	return tx.Bucket(bucketLineOwner).Put([]byte(strconv.FormatInt(line.ID, 10)), []byte(line.SessionID))
}

func deleteSessionLines(tx *bolt.Tx, sessionID string) error {
	lines := tx.Bucket(bucketLines)
	owners := tx.Bucket(bucketLineOwner)
	prefix := sessionPrefix(sessionID)
	var keys [][]byte
	var ids [][]byte
	c := lines.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var line wire.Line
		if err := json.Unmarshal(v, &line); err == nil {
			ids = append(ids, []byte(strconv.FormatInt(line.ID, 10)))
		}
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := lines.Delete(k); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if err := owners.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte(sessionID + "/")
}

func lineKey(sessionID string, id int64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", sessionID, id))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func sortByLineNumber(lines []wire.Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].LineNumber < lines[j].LineNumber
	})
}

func persistErr(op string, err error) error {
	return fmt.Errorf("cache: %s: %w: %w", op, ErrPersistence, err)
}

package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loykin/svcplane/internal/history"
)

var bucketEvents = []byte("unit_history")

// Sink appends events to a bbolt file. Keys are the RFC 3339 timestamp
// followed by the event ID, so a cursor walks events in time order.
type Sink struct {
	db *bolt.DB
}

// New opens or creates the database. DSN format:
//   - "bolt:///path/to/history.db"
//   - "bbolt:///path/to/history.db"
func New(dsn string) (*Sink, error) {
	path := strings.TrimSpace(dsn)
	for _, p := range []string{"bolt://", "bbolt://"} {
		if strings.HasPrefix(strings.ToLower(path), p) {
			path = path[len(p):]
			break
		}
	}
	if path == "" {
		return nil, errors.New("empty bolt path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{db: db}, nil
}

func key(e history.Event) []byte {
	return []byte(e.OccurredAt.UTC().Format(time.RFC3339Nano) + "/" + e.ID)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(key(e), v)
	})
}

// List returns the events of unit in time order; an empty unit lists all.
func (s *Sink) List(unit string) ([]history.Event, error) {
	var out []history.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(_, v []byte) error {
			var e history.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if unit == "" || e.Unit == unit {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var pendingBucket = []byte("pending")

// journal persists queued deliveries so that a restart replays what was
// never acknowledged by the callback.
type journal struct {
	db *bolt.DB
}

func openJournal(path string) (*journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open webhook journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init webhook journal: %w", err)
	}
	return &journal{db: db}, nil
}

func (j *journal) put(d *delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(d.ID), raw)
	})
}

func (j *journal) delete(id string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete([]byte(id))
	})
}

func (j *journal) pending() ([]*delivery, error) {
	var out []*delivery
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var d delivery
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("corrupt journal entry %s: %w", k, err)
			}
			out = append(out, &d)
			return nil
		})
	})
	return out, err
}

func (j *journal) close() error {
	return j.db.Close()
}

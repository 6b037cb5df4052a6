package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketAttributes = []byte("attributes")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAttributes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveAttributes(attrs *Attributes) error {
	if attrs.Identity == "" {
		return fmt.Errorf("save attributes: empty identity")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttributes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAttributes)
		}
		data, err := json.Marshal(attrs)
		if err != nil {
			return err
		}
		return b.Put([]byte(attrs.Identity), data)
	})
}

func (s *BoltStore) GetAttributes(id string) (*Attributes, error) {
	var attrs Attributes
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttributes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAttributes)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("attributes %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &attrs)
	})
	if err != nil {
		return nil, err
	}
	if attrs.Identity == "" {
		attrs.Identity = id
	}
	return &attrs, nil
}

func (s *BoltStore) DeleteAttributes(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttributes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAttributes)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) Scan(fn ScanFunc) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttributes)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			id := string(k)
			var attrs Attributes
			if err := json.Unmarshal(v, &attrs); err != nil {
				fn(id, nil, fmt.Errorf("decode attributes %s: %w", id, err))
				return nil
			}
			if attrs.Identity == "" {
				attrs.Identity = id
			}
			fn(id, &attrs, nil)
			return nil
		})
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

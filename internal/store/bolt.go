package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketChannels = []byte("channels")

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
		_, err := tx.CreateBucketIfNotExists(bucketChannels)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveChannel(rec *ChannelRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketChannels)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Key()), data)
	})
}

func (s *BoltStore) GetChannel(bus string, address, channel uint8) (*ChannelRecord, error) {
	var rec ChannelRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketChannels)
		}
		key := ChannelKey(bus, address, channel)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("channel %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListChannels() ([]*ChannelRecord, error) {
	var records []*ChannelRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if b == nil {
			return nil // no bucket = no records
		}
		records = make([]*ChannelRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec ChannelRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) DeleteChannel(bus string, address, channel uint8) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketChannels)
		}
		return b.Delete([]byte(ChannelKey(bus, address, channel)))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketChannels = []byte("channels")
	bucketStick    = []byte("stick")
	keyStickState  = []byte("state")
)

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

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketChannels, bucketStick} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// channelKey is zero padded so ForEach returns channels in id order.
func channelKey(id int) []byte {
	return []byte(fmt.Sprintf("%02d", id))
}

func (s *BoltStore) SaveChannel(ch *Channel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketChannels)
		}
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		return b.Put(channelKey(ch.ID), data)
	})
}

func (s *BoltStore) GetChannel(id int) (*Channel, error) {
	var ch Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketChannels)
		}
		data := b.Get(channelKey(id))
		if data == nil {
			return fmt.Errorf("channel %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &ch)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *BoltStore) UpdateChannel(id int, fn func(ch *Channel) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketChannels)
		}
		ch := Channel{ID: id, Position: -1}
		if data := b.Get(channelKey(id)); data != nil {
			if err := json.Unmarshal(data, &ch); err != nil {
				return err
			}
		}
		if err := fn(&ch); err != nil {
			return err
		}
		ch.ID = id
		data, err := json.Marshal(&ch)
		if err != nil {
			return err
		}
		return b.Put(channelKey(id), data)
	})
}

func (s *BoltStore) DeleteChannel(id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketChannels)
		}
		return b.Delete(channelKey(id))
	})
}

func (s *BoltStore) ListChannels() ([]*Channel, error) {
	var channels []*Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChannels)
		if b == nil {
			return nil // no bucket = no channels
		}
		channels = make([]*Channel, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var ch Channel
			if err := json.Unmarshal(v, &ch); err != nil {
				return err
			}
			channels = append(channels, &ch)
			return nil
		})
	})
	return channels, err
}

func (s *BoltStore) SaveStickState(state *StickState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStick)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStick)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyStickState, data)
	})
}

func (s *BoltStore) GetStickState() (*StickState, error) {
	var state StickState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStick)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStick)
		}
		data := b.Get(keyStickState)
		if data == nil {
			return fmt.Errorf("stick state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) UpdateStickState(fn func(state *StickState)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStick)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStick)
		}
		var state StickState
		if data := b.Get(keyStickState); data != nil {
			if err := json.Unmarshal(data, &state); err != nil {
				return err
			}
		}
		fn(&state)
		data, err := json.Marshal(&state)
		if err != nil {
			return err
		}
		return b.Put(keyStickState, data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketFlashRuns = []byte("flash_runs")
	bucketFrames    = []byte("frames")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db           *bolt.DB
	captureLimit int
}

// NewBoltStore opens or creates a BoltDB database. captureLimit bounds the
// number of frames kept.
func NewBoltStore(path string, captureLimit int) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketFlashRuns, bucketFrames} {
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

	return &BoltStore{db: db, captureLimit: captureLimit}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *BoltStore) SaveFlashRun(run *FlashRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlashRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFlashRuns)
		}
		if run.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			run.ID = id
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put(itob(run.ID), data)
	})
}

func (s *BoltStore) GetFlashRun(id uint64) (*FlashRun, error) {
	var run FlashRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlashRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFlashRuns)
		}
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("flash run %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListFlashRuns returns all runs, oldest first.
func (s *BoltStore) ListFlashRuns() ([]*FlashRun, error) {
	var runs []*FlashRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlashRuns)
		if b == nil {
			return nil // no bucket = no runs
		}
		return b.ForEach(func(k, v []byte) error {
			var run FlashRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	return runs, err
}

func (s *BoltStore) AddFrame(f *Frame) error {
	if s.captureLimit <= 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFrames)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFrames)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		f.Seq = seq
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		limit := uint64(s.captureLimit)
		if seq <= limit {
			return nil
		}
		cutoff := seq - limit
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListFrames returns up to limit of the most recent frames, oldest first.
// A limit <= 0 returns everything captured.
func (s *BoltStore) ListFrames(limit int) ([]*Frame, error) {
	var frames []*Frame
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFrames)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(frames) == limit {
				break
			}
			var f Frame
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			frames = append(frames, &f)
		}
		return nil
	})
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

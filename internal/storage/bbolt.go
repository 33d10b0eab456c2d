package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketReports  = "reports"
	bucketHandoffs = "handoffs"
	bucketRate     = "rate"
)

type bboltStore struct {
	db *bolt.DB
	mu sync.Mutex // guards rate bucket sliding-window writes
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/autologin.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "autologin.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketReports, bucketHandoffs, bucketRate} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Permanent-ban reports ------------------------------------------------

func (s *bboltStore) GetReport(phone string) (*Report, error) {
	var rec Report
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketReports)).Get([]byte(phone))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) PutReport(rec Report) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal Report: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReports)).Put([]byte(rec.PhoneNumber), data)
	})
}

func (s *bboltStore) ListReports() ([]Report, error) {
	var result []Report
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReports)).ForEach(func(k, v []byte) error {
			var rec Report
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal Report for %s: %w", k, err)
			}
			result = append(result, rec)
			return nil
		})
	})
	return result, err
}

// ---- Login handoff queue ---------------------------------------------------

func (s *bboltStore) PutHandoff(rec Handoff) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal Handoff: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketHandoffs)).Put([]byte(rec.PhoneDevice), data)
	})
}

func (s *bboltStore) TakeHandoff(phoneDevice, wantStatus string) (*Handoff, error) {
	var rec Handoff
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketHandoffs))
		v := b.Get([]byte(phoneDevice))
		if v == nil {
			return nil
		}
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal Handoff for %s: %w", phoneDevice, err)
		}
		if wantStatus != "" && rec.LoginStatus != wantStatus {
			return nil
		}
		found = true
		return b.Delete([]byte(phoneDevice))
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) CountHandoffs() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketHandoffs)).Stats().KeyN
		return nil
	})
	return n, err
}

// ---- APIRateGate -----------------------------------------------------------

// APIRateGate implements a sliding-window rate limit backed by bbolt.
// The rate bucket stores a []int64 of Unix nanosecond timestamps per endpoint.
// Returns allowed=true and appends the current timestamp if within budget.
func (s *bboltStore) APIRateGate(endpoint string, window time.Duration, max int) (bool, error) {
	if max <= 0 {
		return true, nil // unlimited
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var allowed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		key := []byte(endpoint)
		cutoff := time.Now().Add(-window).UnixNano()
		now := time.Now().UnixNano()

		var timestamps []int64
		if raw := b.Get(key); raw != nil {
			if err := msgpack.Unmarshal(raw, &timestamps); err != nil {
				return fmt.Errorf("unmarshal rate timestamps: %w", err)
			}
		}

		// Prune entries outside window
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts >= cutoff {
				pruned = append(pruned, ts)
			}
		}

		if len(pruned) >= max {
			allowed = false
			// Still save pruned slice to keep bucket tidy
			data, err := msgpack.Marshal(pruned)
			if err != nil {
				return err
			}
			return b.Put(key, data)
		}

		allowed = true
		pruned = append(pruned, now)
		data, err := msgpack.Marshal(pruned)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	return allowed, err
}

// ---- Janitor ---------------------------------------------------------------

func (s *bboltStore) PruneStaleHandoffs(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketHandoffs))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec Handoff
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt entries
			}
			if rec.UpdatedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (s *bboltStore) PruneExpiredRateEntries(window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		updates := make(map[string][]int64)
		if err := b.ForEach(func(k, v []byte) error {
			var timestamps []int64
			if err := msgpack.Unmarshal(v, &timestamps); err != nil {
				return nil
			}
			filtered := make([]int64, 0, len(timestamps))
			for _, ts := range timestamps {
				if ts >= cutoff {
					filtered = append(filtered, ts)
				}
			}
			if len(filtered) != len(timestamps) {
				pruned += len(timestamps) - len(filtered)
				updates[string(k)] = filtered
			}
			return nil
		}); err != nil {
			return err
		}
		// Buckets must not be modified inside ForEach.
		for k, ts := range updates {
			if len(ts) == 0 {
				if err := b.Delete([]byte(k)); err != nil {
					return err
				}
				continue
			}
			data, err := msgpack.Marshal(ts)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

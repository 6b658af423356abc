package profile

import (
	"fmt"
	"hash/fnv"
	"sync"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketProfiles = []byte("profiles")

const lockStripes = 64

// Store is the durable profile store. When the backing database cannot
// be opened the store degrades to an in-memory map with a logged
// warning: the primary proxy path stays available, history does not
// survive a restart.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger

	// Per-fingerprint critical sections for read-modify-write updates.
	stripes [lockStripes]sync.Mutex

	memMu sync.RWMutex
	mem   map[string][]byte
}

// Open opens (or creates) the profile database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{logger: logger, mem: make(map[string][]byte)}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		s.logger.Warn("profile database unavailable, falling back to ephemeral profiles",
			zap.String("path", path), zap.Error(err))
		return s, nil
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProfiles)
		return err
	})
	if err != nil {
		_ = db.Close()
		s.logger.Warn("profile bucket init failed, falling back to ephemeral profiles", zap.Error(err))
		return s, nil
	}
	s.db = db
	return s, nil
}

// Close releases the backing database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Durable reports whether profiles survive a restart.
func (s *Store) Durable() bool { return s.db != nil }

func (s *Store) stripe(fingerprint string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return &s.stripes[h.Sum32()%lockStripes]
}

func (s *Store) get(fingerprint string) ([]byte, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		return s.mem[fingerprint], nil
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketProfiles).Get([]byte(fingerprint)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

func (s *Store) put(fingerprint string, data []byte) error {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		s.mem[fingerprint] = data
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProfiles).Put([]byte(fingerprint), data)
	})
}

// Insert stores the profile only when the fingerprint is unknown. A
// repeat connection must not reset history.
func (s *Store) Insert(fingerprint string, p *Profile) error {
	lock := s.stripe(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.get(fingerprint)
	if err != nil {
		return fmt.Errorf("profile insert %s: %w", fingerprint, err)
	}
	if existing != nil {
		return nil
	}
	data, err := p.serialize()
	if err != nil {
		return fmt.Errorf("profile insert %s: %w", fingerprint, err)
	}
	return s.put(fingerprint, data)
}

// Get fetches the profile for a fingerprint, or nil when unknown.
func (s *Store) Get(fingerprint string) (*Profile, error) {
	data, err := s.get(fingerprint)
	if err != nil || data == nil {
		return nil, err
	}
	return deserialize(data)
}

// Update merges the named fields into the stored profile under the
// fingerprint's critical section, so racing lifecycle events cannot
// lose updates.
func (s *Store) Update(fingerprint string, u Updates) error {
	lock := s.stripe(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	data, err := s.get(fingerprint)
	if err != nil {
		return fmt.Errorf("profile update %s: %w", fingerprint, err)
	}
	if data == nil {
		return fmt.Errorf("profile update %s: unknown fingerprint", fingerprint)
	}
	p, err := deserialize(data)
	if err != nil {
		return fmt.Errorf("profile update %s: %w", fingerprint, err)
	}
	u.apply(p)
	out, err := p.serialize()
	if err != nil {
		return fmt.Errorf("profile update %s: %w", fingerprint, err)
	}
	return s.put(fingerprint, out)
}

// UpdateFunc applies fn to the stored profile under the fingerprint's
// critical section. fn receives nil when the fingerprint is unknown
// and must return the profile to store, or nil to store nothing.
func (s *Store) UpdateFunc(fingerprint string, fn func(*Profile) *Profile) error {
	lock := s.stripe(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	data, err := s.get(fingerprint)
	if err != nil {
		return fmt.Errorf("profile update %s: %w", fingerprint, err)
	}
	var p *Profile
	if data != nil {
		if p, err = deserialize(data); err != nil {
			return fmt.Errorf("profile update %s: %w", fingerprint, err)
		}
	}
	updated := fn(p)
	if updated == nil {
		return nil
	}
	out, err := updated.serialize()
	if err != nil {
		return fmt.Errorf("profile update %s: %w", fingerprint, err)
	}
	return s.put(fingerprint, out)
}

// Count returns the number of stored profiles.
func (s *Store) Count() int {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		return len(s.mem)
	}
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketProfiles).Stats().KeyN
		return nil
	})
	return n
}

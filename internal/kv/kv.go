// Package kv is a small TTL key-value store on top of pebble.
//
// Every value is stored with an 8-byte big-endian unix-nano expiry prefix
// (zero means no expiry). Expired entries are dropped lazily on read.
package kv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrNotFound is returned for missing or expired keys
var ErrNotFound = errors.New("kv: key not found")

var errExpired = fmt.Errorf("%w: expired", ErrNotFound)

// Store is a pebble-backed TTL store
type Store struct {
	db  *pebble.DB
	now func() time.Time

	// serializes writes, including lazy deletes of expired keys
	mu sync.Mutex
}

// Open opens (or creates) a store at path. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
		path = "kv"
	} else if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create kv directory: %w", err)
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenMemory opens an in-memory store
func OpenMemory() (*Store, error) {
	return Open("")
}

// SetClock overrides the time source used for expiry
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the store's current time
func (s *Store) Now() time.Time {
	return s.now()
}

// Close closes the store
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the value of key
func (s *Store) Get(key string) ([]byte, error) {
	v, _, err := s.read(key)
	return v, err
}

// TTL returns the expiry time of key; the zero time means no expiry
func (s *Store) TTL(key string) (time.Time, error) {
	_, exp, err := s.read(key)
	return exp, err
}

// Set stores value under key. ttl <= 0 means the key never expires.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(key, value, exp)
}

// Delete removes key
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Incr adds delta to the integer counter at key and returns the new value and
// its expiry. A missing or expired counter starts at zero with expiry now+ttl;
// an existing counter keeps its expiry.
func (s *Store) Incr(key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur int64
	raw, exp, err := s.get(key)
	switch {
	case errors.Is(err, ErrNotFound):
		exp = time.Time{}
		if ttl > 0 {
			exp = s.now().Add(ttl)
		}
	case err != nil:
		return 0, time.Time{}, err
	default:
		cur, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("kv incr %s: not a counter: %w", key, err)
		}
	}

	cur += delta
	if err := s.put(key, []byte(strconv.FormatInt(cur, 10)), exp); err != nil {
		return 0, time.Time{}, err
	}
	return cur, exp, nil
}

// Counter returns the current value and expiry of a counter, or zero when absent
func (s *Store) Counter(key string) (int64, time.Time, error) {
	raw, exp, err := s.read(key)
	if errors.Is(err, ErrNotFound) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("kv counter %s: %w", key, err)
	}
	return n, exp, nil
}

// read is get for callers not holding mu. An expired entry is deleted under
// mu, and only if it is still expired, so a counter Incr has just rewritten
// survives.
func (s *Store) read(key string) ([]byte, time.Time, error) {
	v, exp, err := s.get(key)
	if !errors.Is(err, errExpired) {
		return v, exp, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, _, err := s.get(key); errors.Is(err, errExpired) {
		_ = s.db.Delete([]byte(key), pebble.NoSync)
	}
	return nil, time.Time{}, ErrNotFound
}

// get never writes; an expired entry yields errExpired
func (s *Store) get(key string) ([]byte, time.Time, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("kv get %s: %w", key, err)
	}
	defer closer.Close()

	if len(v) < 8 {
		return nil, time.Time{}, fmt.Errorf("kv get %s: corrupt entry", key)
	}
	var exp time.Time
	if ns := int64(binary.BigEndian.Uint64(v[:8])); ns != 0 {
		exp = time.Unix(0, ns)
		if !s.now().Before(exp) {
			return nil, time.Time{}, errExpired
		}
	}
	// copy value
	out := make([]byte, len(v)-8)
	copy(out, v[8:])
	return out, exp, nil
}

func (s *Store) put(key string, value []byte, exp time.Time) error {
	buf := make([]byte, 8+len(value))
	if !exp.IsZero() {
		binary.BigEndian.PutUint64(buf[:8], uint64(exp.UnixNano()))
	}
	copy(buf[8:], value)
	if err := s.db.Set([]byte(key), buf, pebble.Sync); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

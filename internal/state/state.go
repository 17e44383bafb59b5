package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.ums/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")
	metaBucket    = []byte("meta")
)

// State wraps a bbolt database holding the client session as flat
// string key/value entries. Values of sealed keys are encrypted at rest
// once Seal has been called.
type State struct {
	db *bolt.DB

	mu     sync.RWMutex
	cipher *sealer
	sealed map[string]struct{}
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. The session and meta buckets are created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	var sealed map[string]struct{}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		sealed = decodeKeys(meta.Get(sealKeysKey))

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, sealed: sealed}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key and whether it was present.
func (s *State) Get(key string) (string, bool, error) {
	vals, err := s.GetMany(key)
	if err != nil {
		return "", false, err
	}

	v, ok := vals[key]

	return v, ok, nil
}

// GetMany reads several keys in one transaction. Absent keys are missing
// from the returned map.
func (s *State) GetMany(keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		for _, k := range keys {
			v := b.Get([]byte(k))
			if v == nil {
				continue
			}

			plain, err := s.open(k, v)
			if err != nil {
				return fmt.Errorf("reading %s: %w", k, err)
			}

			out[k] = plain
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Set stores a single value.
func (s *State) Set(key, value string) error {
	return s.SetMany(map[string]string{key: value}, nil)
}

// SetMany writes set and removes del in a single transaction. Either every
// change lands or none does.
func (s *State) SetMany(set map[string]string, del []string) error {
	// Seal outside the write transaction; sorted for deterministic order.
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	enc := make([][]byte, len(keys))

	for i, k := range keys {
		v, err := s.seal(k, set[k])
		if err != nil {
			return fmt.Errorf("sealing %s: %w", k, err)
		}

		enc[i] = v
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		for i, k := range keys {
			if err := b.Put([]byte(k), enc[i]); err != nil {
				return err
			}
		}

		for _, k := range del {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}

		return nil
	})
}

// Delete removes keys. Missing keys are ignored.
func (s *State) Delete(keys ...string) error {
	return s.SetMany(nil, keys)
}

// Keys returns every key currently stored, sorted.
func (s *State) Keys() ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	return keys, err
}

// ErrSealed is returned when a sealed value is read without a passphrase.
var ErrSealed = errors.New("value is sealed, a state passphrase is required")

// Seal enables at-rest encryption for the named keys. The key is derived
// from passphrase and a per-database salt. A wrong passphrase for an
// existing database is rejected. The sealed key names are recorded in the
// database, so a later open without a passphrase reports ErrSealed for
// them. Plain values already stored under newly sealed keys are encrypted.
func (s *State) Seal(passphrase string, keys ...string) error {
	var salt, check []byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)

		if v := b.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
		} else {
			var err error
			if salt, err = newSalt(); err != nil {
				return err
			}

			if err := b.Put(saltKey, salt); err != nil {
				return err
			}
		}

		if v := b.Get(checkKey); v != nil {
			check = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("loading seal salt: %w", err)
	}

	c, err := newSealer(passphrase, salt)
	if err != nil {
		return err
	}

	var sealedCheck []byte

	if check != nil {
		if _, err := c.open(check); err != nil {
			return fmt.Errorf("state passphrase does not match: %w", err)
		}
	} else if sealedCheck, err = c.seal([]byte(checkPlaintext)); err != nil {
		return err
	}

	var set map[string]struct{}

	err = s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		data := tx.Bucket(sessionBucket)

		if sealedCheck != nil {
			if err := meta.Put(checkKey, sealedCheck); err != nil {
				return err
			}
		}

		set = decodeKeys(meta.Get(sealKeysKey))

		for _, k := range keys {
			if _, ok := set[k]; ok {
				continue
			}

			set[k] = struct{}{}

			v := data.Get([]byte(k))
			if v == nil {
				continue
			}

			enc, err := c.seal(v)
			if err != nil {
				return err
			}

			if err := data.Put([]byte(k), enc); err != nil {
				return err
			}
		}

		return meta.Put(sealKeysKey, encodeKeys(set))
	})
	if err != nil {
		return fmt.Errorf("storing seal state: %w", err)
	}

	s.mu.Lock()
	s.cipher = c
	s.sealed = set
	s.mu.Unlock()

	return nil
}

func (s *State) seal(key, value string) ([]byte, error) {
	s.mu.RLock()
	c := s.cipher
	_, sealed := s.sealed[key]
	s.mu.RUnlock()

	if !sealed {
		return []byte(value), nil
	}

	if c == nil {
		return nil, ErrSealed
	}

	return c.seal([]byte(value))
}

// open returns the plain value of key. Only values of sealed keys are
// decrypted; everything else is returned as stored.
func (s *State) open(key string, stored []byte) (string, error) {
	s.mu.RLock()
	c := s.cipher
	_, sealed := s.sealed[key]
	s.mu.RUnlock()

	if !sealed {
		return string(stored), nil
	}

	if c == nil {
		return "", ErrSealed
	}

	plain, err := c.open(stored)
	if err != nil {
		return "", err
	}

	return string(plain), nil
}

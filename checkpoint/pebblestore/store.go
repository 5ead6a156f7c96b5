// Package pebblestore implements checkpoint.Store on an embedded Pebble
// key-value database, for deployments without a SQL server.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/resume"
)

const keyPrefix = "checkpoint/"

// Store keeps one key per generation: checkpoint/<index>/<generation>.
type Store struct {
	db    *pebble.DB
	owned bool
}

// Open opens or creates a Pebble database in dir. Close releases it.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database at %s: %w", dir, err)
	}
	return &Store{db: db, owned: true}, nil
}

// New wraps a database owned by the caller.
func New(db *pebble.DB) *Store {
	return &Store{db: db}
}

// Close closes the database if it was opened by Open.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func key(gen searchsync.GenerationID) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(gen.IndexID)+21)
	k = append(k, keyPrefix...)
	k = append(k, gen.IndexID...)
	k = append(k, '/')
	return strconv.AppendInt(k, gen.Generation, 10)
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, gen searchsync.GenerationID) (resume.Info, error) {
	value, closer, err := s.db.Get(key(gen))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", gen, err)
	}
	defer closer.Close()

	// value is only valid until closer is closed.
	return resume.Unmarshal(append([]byte(nil), value...))
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, gen searchsync.GenerationID, info resume.Info) error {
	data, err := resume.Marshal(info)
	if err != nil {
		return err
	}
	if err := s.db.Set(key(gen), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", gen, err)
	}
	return nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, gen searchsync.GenerationID) error {
	if err := s.db.Delete(key(gen), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", gen, err)
	}
	return nil
}

var _ checkpoint.Store = (*Store)(nil)

// Package memory provides an in-process checkpoint.Store.
package memory

import (
	"context"
	"sync"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/resume"
)

// Store is an in-memory implementation of checkpoint.Store.
// Checkpoints are kept in their encoded form so that callers never share
// token buffers with the store.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[searchsync.GenerationID][]byte
}

// New creates an empty store.
func New() *Store {
	return &Store{checkpoints: make(map[searchsync.GenerationID][]byte)}
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, gen searchsync.GenerationID) (resume.Info, error) {
	s.mu.RLock()
	data, ok := s.checkpoints[gen]
	s.mu.RUnlock()

	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return resume.Unmarshal(data)
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, gen searchsync.GenerationID, info resume.Info) error {
	data, err := resume.Marshal(info)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[gen] = data
	return nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, gen searchsync.GenerationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, gen)
	return nil
}

// Len returns the number of stored checkpoints.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints)
}

var _ checkpoint.Store = (*Store)(nil)

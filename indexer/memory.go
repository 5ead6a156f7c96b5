package indexer

import (
	"context"
	"fmt"
	"sync"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/bson"
)

// MemoryConfig configures a MemoryIndexer.
type MemoryConfig struct {
	Definition Definition

	// MaxDocuments bounds the number of indexed documents (0 = unlimited).
	MaxDocuments int

	// MaxFields bounds the number of distinct top-level field names (0 = unlimited).
	MaxFields int
}

// MemoryIndexer keeps the index in process memory.
type MemoryIndexer struct {
	mu        sync.RWMutex
	config    MemoryConfig
	docs      map[string]bson.M
	fields    map[string]int
	committed resume.Info
	limitErr  error
}

// NewMemory creates an empty MemoryIndexer.
func NewMemory(cfg MemoryConfig) *MemoryIndexer {
	return &MemoryIndexer{
		config: cfg,
		docs:   make(map[string]bson.M),
		fields: make(map[string]int),
	}
}

// Definition implements the Indexer interface.
func (m *MemoryIndexer) Definition() Definition {
	return m.config.Definition
}

// IndexEvent implements the Indexer interface.
func (m *MemoryIndexer) IndexEvent(_ context.Context, event DocumentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := event.Key()
	if old, ok := m.docs[key]; ok {
		m.untrack(old)
		delete(m.docs, key)
	}
	if event.Type == EventDelete || event.Document == nil {
		return nil
	}

	if m.config.MaxDocuments > 0 && len(m.docs) >= m.config.MaxDocuments {
		m.limitErr = &searchsync.LimitError{
			Kind: searchsync.LimitDocuments,
			Msg:  fmt.Sprintf("index holds the maximum of %d documents", m.config.MaxDocuments),
		}
		return m.limitErr
	}

	m.docs[key] = event.Document
	m.track(event.Document)

	if m.config.MaxFields > 0 && len(m.fields) > m.config.MaxFields {
		m.limitErr = &searchsync.LimitError{
			Kind: searchsync.LimitFields,
			Msg:  fmt.Sprintf("index has %d fields, limit is %d", len(m.fields), m.config.MaxFields),
		}
		return m.limitErr
	}
	return nil
}

func (m *MemoryIndexer) track(doc bson.M) {
	for name := range doc {
		m.fields[name]++
	}
}

func (m *MemoryIndexer) untrack(doc bson.M) {
	for name := range doc {
		m.fields[name]--
		if m.fields[name] <= 0 {
			delete(m.fields, name)
		}
	}
}

// Commit implements the Indexer interface.
func (m *MemoryIndexer) Commit(_ context.Context, info resume.Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info != nil {
		m.committed = info
	}
	return nil
}

// ClearIndex implements the Indexer interface.
func (m *MemoryIndexer) ClearIndex(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]bson.M)
	m.fields = make(map[string]int)
	m.committed = nil
	m.limitErr = nil
	return nil
}

// ExceededLimits implements the Indexer interface.
func (m *MemoryIndexer) ExceededLimits() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limitErr
}

// Len returns the number of indexed documents.
func (m *MemoryIndexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Get returns the indexed document for id.
func (m *MemoryIndexer) Get(id bson.RawValue) (bson.M, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id.String()]
	return doc, ok
}

// Committed returns the resume info of the last commit.
func (m *MemoryIndexer) Committed() resume.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed
}

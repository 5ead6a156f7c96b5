package indexer

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// EventType is the kind of change a DocumentEvent applies.
type EventType int

const (
	EventInsert EventType = iota
	EventUpdate
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// DocumentEvent is a single document change to apply to an index.
type DocumentEvent struct {
	Type EventType
	ID   bson.RawValue
	// Document is the full document after the change. Nil for deletes.
	Document bson.M
	// FilterFieldUpdates is set for updates that only touched filter
	// fields. Such updates never need new embeddings.
	FilterFieldUpdates bson.M
	// Embeddings holds vectors that can be reused, keyed by field path and
	// then by source text.
	Embeddings map[string]map[string][]float32
}

// Key returns a stable string form of the document id.
func (e DocumentEvent) Key() string {
	return e.ID.String()
}

// Embedding returns a reusable vector for text at path, if any.
func (e DocumentEvent) Embedding(path, text string) ([]float32, bool) {
	byText, ok := e.Embeddings[path]
	if !ok {
		return nil, false
	}
	vector, ok := byText[text]
	return vector, ok
}

// Lookup returns the value at a dotted path inside the event's document.
func (e DocumentEvent) Lookup(path string) (interface{}, bool) {
	return lookupPath(e.Document, path)
}

// WithField returns a copy of the event whose document has value at the
// dotted path. The original document is left untouched.
func (e DocumentEvent) WithField(path string, value interface{}) DocumentEvent {
	e.Document = setPath(e.Document, strings.Split(path, "."), value).(bson.M)
	return e
}

// WithEmbeddings returns a copy of the event with the given vectors
// recorded. The original event is left untouched.
func (e DocumentEvent) WithEmbeddings(vectors map[string]map[string][]float32) DocumentEvent {
	merged := make(map[string]map[string][]float32, len(e.Embeddings)+len(vectors))
	for path, byText := range e.Embeddings {
		merged[path] = copyVectors(byText)
	}
	for path, byText := range vectors {
		if merged[path] == nil {
			merged[path] = make(map[string][]float32, len(byText))
		}
		for text, vector := range byText {
			merged[path][text] = vector
		}
	}
	e.Embeddings = merged
	return e
}

func copyVectors(in map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

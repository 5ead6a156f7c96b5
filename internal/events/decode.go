// Package events turns raw change stream events and scanned documents into
// indexer.DocumentEvents.
package events

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/resume"
)

// Operation types reported in a change event's operationType field.
const (
	OpInsert       = "insert"
	OpReplace      = "replace"
	OpUpdate       = "update"
	OpDelete       = "delete"
	OpInvalidate   = "invalidate"
	OpDrop         = "drop"
	OpDropDatabase = "dropDatabase"
	OpRename       = "rename"
)

var (
	errMissingID        = errors.New("document has no _id")
	errMissingOperation = errors.New("change event has no operationType")
	errMissingKey       = errors.New("change event has no documentKey._id")
)

// Result is the outcome of decoding one change stream batch.
type Result struct {
	Events []indexer.DocumentEvent

	// ResumeToken is the _id of the last event that was consumed. It is nil
	// when no event was consumed.
	ResumeToken bson.Raw
}

// DecodeChangeEvents decodes a batch of change events read from ns.
//
// Events that do not change documents, such as index builds, are consumed
// without output. Decoding stops at the first event that ends the stream:
// invalidate returns *searchsync.InvalidatedError and drop, dropDatabase and
// rename return *searchsync.NamespaceError. The events before it are
// returned along with the error so they can still be indexed.
func DecodeChangeEvents(ns resume.Namespace, raw []bson.Raw) (Result, error) {
	result := Result{Events: make([]indexer.DocumentEvent, 0, len(raw))}

	for _, event := range raw {
		token, err := resumeToken(event)
		if err != nil {
			return result, err
		}
		op, ok := event.Lookup("operationType").StringValueOK()
		if !ok {
			return result, &searchsync.DecodeError{Err: errMissingOperation}
		}

		switch op {
		case OpInsert, OpReplace, OpUpdate:
			decoded, err := documentEvent(op, event)
			if err != nil {
				return result, err
			}
			result.Events = append(result.Events, decoded)
		case OpDelete:
			id, err := documentKey(event)
			if err != nil {
				return result, err
			}
			result.Events = append(result.Events, indexer.DocumentEvent{Type: indexer.EventDelete, ID: id})
		case OpInvalidate:
			return result, &searchsync.InvalidatedError{
				ResumeInfo: &resume.ChangeStream{Namespace: ns, ResumeToken: token},
			}
		case OpDrop, OpDropDatabase:
			return result, &searchsync.NamespaceError{Change: searchsync.NamespaceDropped, Namespace: ns}
		case OpRename:
			to, err := namespaceAt(event, "to")
			if err != nil {
				return result, err
			}
			return result, &searchsync.NamespaceError{
				Change:     searchsync.NamespaceRenamed,
				Namespace:  ns,
				ResumeInfo: &resume.ChangeStream{Namespace: to, ResumeToken: token},
			}
		}
		result.ResumeToken = token
	}
	return result, nil
}

// DecodeDocuments turns scanned documents into insert events.
func DecodeDocuments(raw []bson.Raw) ([]indexer.DocumentEvent, error) {
	out := make([]indexer.DocumentEvent, 0, len(raw))
	for _, doc := range raw {
		id, err := doc.LookupErr("_id")
		if err != nil {
			return nil, &searchsync.DecodeError{Err: errMissingID}
		}
		m, err := toMap(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, indexer.DocumentEvent{Type: indexer.EventInsert, ID: id, Document: m})
	}
	return out, nil
}

func documentEvent(op string, event bson.Raw) (indexer.DocumentEvent, error) {
	id, err := documentKey(event)
	if err != nil {
		return indexer.DocumentEvent{}, err
	}

	full, ok := event.Lookup("fullDocument").DocumentOK()
	if !ok {
		// The document was deleted before the update could be looked up.
		return indexer.DocumentEvent{Type: indexer.EventDelete, ID: id}, nil
	}
	m, err := toMap(full)
	if err != nil {
		return indexer.DocumentEvent{}, err
	}

	eventType := indexer.EventUpdate
	if op == OpInsert {
		eventType = indexer.EventInsert
	}
	return indexer.DocumentEvent{Type: eventType, ID: id, Document: m}, nil
}

func documentKey(event bson.Raw) (bson.RawValue, error) {
	id, err := event.LookupErr("documentKey", "_id")
	if err != nil {
		return bson.RawValue{}, &searchsync.DecodeError{Err: errMissingKey}
	}
	return id, nil
}

func resumeToken(event bson.Raw) (bson.Raw, error) {
	id, err := event.LookupErr("_id")
	if err != nil || id.Type != bsontype.EmbeddedDocument {
		return nil, &searchsync.DecodeError{Err: errors.New("change event has no resume token")}
	}
	return id.Document(), nil
}

func namespaceAt(event bson.Raw, field string) (resume.Namespace, error) {
	db, dbOK := event.Lookup(field, "db").StringValueOK()
	coll, collOK := event.Lookup(field, "coll").StringValueOK()
	if !dbOK || !collOK {
		return resume.Namespace{}, &searchsync.DecodeError{Err: fmt.Errorf("change event has no %s namespace", field)}
	}
	return resume.Namespace{Database: db, Collection: coll}, nil
}

func toMap(doc bson.Raw) (bson.M, error) {
	var m bson.M
	if err := bson.Unmarshal(doc, &m); err != nil {
		return nil, &searchsync.DecodeError{Err: err}
	}
	return m, nil
}

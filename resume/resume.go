// Package resume models the persisted position from which replication of an
// index generation can continue after a restart.
//
// Three positions exist. Two of them belong to an initial sync collection
// scan (IDOrder and NaturalOrder), the third to change stream replication
// (ChangeStream). All of them round-trip through Marshal and Unmarshal
// without loss, so they can be embedded in index commit metadata or stored
// in a checkpoint store.
package resume

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind names a resume position variant.
type Kind string

const (
	KindIDOrder      Kind = "bufferlessIdOrder"
	KindNaturalOrder Kind = "bufferlessNaturalOrder"
	KindChangeStream Kind = "changeStream"
)

// ErrUnknownFormat indicates a persisted document that matches no variant.
var ErrUnknownFormat = errors.New("unrecognized resume info")

// Info is a persisted replication position. The set of implementations is closed.
type Info interface {
	Kind() Kind
	info()
}

// IDOrder is the position of a collection scan that walks documents in
// ascending _id order. LastScannedID is zero until the first batch is read.
type IDOrder struct {
	HighWaterMark primitive.Timestamp
	LastScannedID bson.RawValue
}

// NaturalOrder is the position of a collection scan that walks documents in
// storage order and resumes from a server-issued record id token.
type NaturalOrder struct {
	HighWaterMark        primitive.Timestamp
	PostBatchResumeToken bson.Raw
	// SyncSourceHost is the host the scan ran against, if pinned.
	SyncSourceHost string
}

// ChangeStream is the position of steady state replication.
type ChangeStream struct {
	Namespace   Namespace
	ResumeToken bson.Raw
}

func (IDOrder) Kind() Kind      { return KindIDOrder }
func (NaturalOrder) Kind() Kind { return KindNaturalOrder }
func (ChangeStream) Kind() Kind { return KindChangeStream }

func (IDOrder) info()      {}
func (NaturalOrder) info() {}
func (ChangeStream) info() {}

// IsInitialSync reports whether info is a collection scan position.
func IsInitialSync(info Info) bool {
	switch info.(type) {
	case *IDOrder, *NaturalOrder, IDOrder, NaturalOrder:
		return true
	default:
		return false
	}
}

type document struct {
	HighWaterMark        *primitive.Timestamp `bson:"highWaterMark,omitempty"`
	LastScannedID        bson.RawValue        `bson:"lastScannedId,omitempty"`
	PostBatchResumeToken bson.Raw             `bson:"postBatchResumeToken,omitempty"`
	SyncSourceHost       string               `bson:"syncSourceHost,omitempty"`
	Namespace            string               `bson:"namespace,omitempty"`
	ResumeToken          bson.Raw             `bson:"resumeToken,omitempty"`
}

// Marshal encodes info as a BSON document.
func Marshal(info Info) ([]byte, error) {
	var doc document
	switch v := deref(info).(type) {
	case IDOrder:
		hwm := v.HighWaterMark
		doc.HighWaterMark = &hwm
		doc.LastScannedID = v.LastScannedID
	case NaturalOrder:
		if len(v.PostBatchResumeToken) == 0 {
			return nil, errors.New("natural order resume info requires a postBatchResumeToken")
		}
		hwm := v.HighWaterMark
		doc.HighWaterMark = &hwm
		doc.PostBatchResumeToken = v.PostBatchResumeToken
		doc.SyncSourceHost = v.SyncSourceHost
	case ChangeStream:
		if len(v.ResumeToken) == 0 {
			return nil, errors.New("change stream resume info requires a resumeToken")
		}
		if v.Namespace.IsZero() {
			return nil, errors.New("change stream resume info requires a namespace")
		}
		doc.Namespace = v.Namespace.String()
		doc.ResumeToken = v.ResumeToken
	default:
		return nil, fmt.Errorf("cannot marshal resume info of type %T", info)
	}

	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s resume info: %w", info.Kind(), err)
	}
	return data, nil
}

// Unmarshal decodes a document produced by Marshal. The returned Info is
// always a pointer to one of the variant structs.
func Unmarshal(data []byte) (Info, error) {
	var doc document
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resume info: %w", err)
	}

	switch {
	case doc.ResumeToken != nil:
		ns, err := ParseNamespace(doc.Namespace)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
		}
		return &ChangeStream{Namespace: ns, ResumeToken: doc.ResumeToken}, nil
	case doc.HighWaterMark == nil:
		return nil, fmt.Errorf("%w: missing highWaterMark", ErrUnknownFormat)
	case doc.PostBatchResumeToken != nil:
		return &NaturalOrder{
			HighWaterMark:        *doc.HighWaterMark,
			PostBatchResumeToken: doc.PostBatchResumeToken,
			SyncSourceHost:       doc.SyncSourceHost,
		}, nil
	default:
		return &IDOrder{HighWaterMark: *doc.HighWaterMark, LastScannedID: doc.LastScannedID}, nil
	}
}

func deref(info Info) Info {
	switch v := info.(type) {
	case *IDOrder:
		return *v
	case *NaturalOrder:
		return *v
	case *ChangeStream:
		return *v
	default:
		return info
	}
}

// MarshalExtJSON encodes info as canonical Extended JSON, keeping the exact
// BSON types of timestamps and resume tokens.
func MarshalExtJSON(info Info) ([]byte, error) {
	data, err := Marshal(info)
	if err != nil {
		return nil, err
	}
	out, err := bson.MarshalExtJSON(bson.Raw(data), true, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s resume info as extended json: %w", info.Kind(), err)
	}
	return out, nil
}

// UnmarshalExtJSON decodes Extended JSON produced by MarshalExtJSON. Relaxed
// Extended JSON is accepted as well.
func UnmarshalExtJSON(data []byte) (Info, error) {
	var doc bson.Raw
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode extended json resume info: %w", err)
	}
	return Unmarshal(doc)
}

package changestream

import (
	"errors"
	"fmt"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/metrics"
	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

const (
	splitEventField  = "splitEvent"
	resumeTokenField = "_id"
)

// FragmentBuffer reassembles a change event that the server split into
// fragments with $changeStreamSplitLargeEvent.
//
// The server emits the fragments of one event contiguously and in order,
// so the buffer holds a single event at a time. Fragments of one event share
// the cluster time of their resume tokens. A FragmentBuffer is not safe for
// concurrent use.
type FragmentBuffer struct {
	fragments []bson.Raw
	total     int64
	opTime    primitive.Timestamp
	collector *metrics.Collector
}

// NewFragmentBuffer creates an empty buffer. collector may be nil.
func NewFragmentBuffer(collector *metrics.Collector) *FragmentBuffer {
	return &FragmentBuffer{collector: collector}
}

// IsFragment reports whether event carries split event metadata.
func IsFragment(event bson.Raw) bool {
	_, err := event.LookupErr(splitEventField)
	return err == nil
}

// ProcessEvent adds a fragment to the buffer. It returns the complete event
// and true once the last fragment arrived, and false while more fragments
// are expected. Any error clears the buffer and is a
// *searchsync.FragmentError.
func (b *FragmentBuffer) ProcessEvent(event bson.Raw) (bson.Raw, bool, error) {
	complete, ok, err := b.process(event)
	if err != nil {
		b.Clear()
		var fragmentErr *searchsync.FragmentError
		if !errors.As(err, &fragmentErr) {
			err = &searchsync.FragmentError{Msg: "unexpected error", Err: err}
		}
		return nil, false, err
	}
	return complete, ok, nil
}

func (b *FragmentBuffer) process(event bson.Raw) (bson.Raw, bool, error) {
	if err := event.Validate(); err != nil {
		return nil, false, err
	}

	split, err := event.LookupErr(splitEventField)
	if err != nil {
		return nil, false, &searchsync.FragmentError{Msg: "received an event without split event metadata"}
	}
	fragment, of, err := fragmentPosition(split)
	if err != nil {
		return nil, false, err
	}
	if fragment < 1 || fragment > of || of < 1 {
		return nil, false, &searchsync.FragmentError{
			Msg: fmt.Sprintf("invalid fragment metadata: fragment=%d, of=%d", fragment, of)}
	}

	opTime, err := eventOpTime(event)
	if err != nil {
		return nil, false, err
	}

	if !b.IsBuffering() {
		if b.collector != nil {
			b.collector.IncSplitEvents()
		}
		b.total = of
		b.opTime = opTime
	} else {
		if !b.opTime.Equal(opTime) {
			return nil, false, &searchsync.FragmentError{
				Msg: "received a fragment of a different event while buffering fragments"}
		}
		if of != b.total {
			return nil, false, &searchsync.FragmentError{
				Msg: fmt.Sprintf("inconsistent fragment count: expected of=%d but got of=%d", b.total, of)}
		}
	}

	if expected := int64(len(b.fragments)) + 1; fragment != expected {
		return nil, false, &searchsync.FragmentError{
			Msg: fmt.Sprintf("expected fragment %d but received fragment %d", expected, fragment)}
	}
	b.fragments = append(b.fragments, event)

	if int64(len(b.fragments)) < b.total {
		return nil, false, nil
	}
	complete, err := b.reassemble()
	if err != nil {
		return nil, false, err
	}
	b.Clear()
	return complete, true, nil
}

// reassemble merges the buffered fragments. Fields of earlier fragments win
// over later ones, and the event takes the last fragment's resume token.
func (b *FragmentBuffer) reassemble() (bson.Raw, error) {
	lastToken, err := b.fragments[len(b.fragments)-1].LookupErr(resumeTokenField)
	if err != nil {
		return nil, &searchsync.FragmentError{Msg: "missing resume token in change stream event"}
	}

	seen := make(map[string]struct{})
	var elements [][]byte
	for i, fragment := range b.fragments {
		fields, err := fragment.Elements()
		if err != nil {
			return nil, err
		}
		for _, field := range fields {
			key := field.Key()
			if key == splitEventField {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			if key == resumeTokenField {
				if i > 0 {
					continue
				}
				seen[key] = struct{}{}
				elements = append(elements, bsoncore.AppendValueElement(nil, key, bsoncore.Value{
					Type: lastToken.Type,
					Data: lastToken.Value,
				}))
				continue
			}
			seen[key] = struct{}{}
			elements = append(elements, field)
		}
	}

	if len(elements) == 1 {
		return nil, &searchsync.FragmentError{Msg: "reassembled event contains only the _id field"}
	}
	return bson.Raw(bsoncore.BuildDocumentFromElements(nil, elements...)), nil
}

// IsBuffering reports whether fragments of an incomplete event are held.
func (b *FragmentBuffer) IsBuffering() bool {
	return len(b.fragments) > 0
}

// Len returns the number of buffered fragments.
func (b *FragmentBuffer) Len() int {
	return len(b.fragments)
}

// Clear drops any buffered fragments.
func (b *FragmentBuffer) Clear() {
	b.fragments = nil
	b.total = 0
	b.opTime = primitive.Timestamp{}
}

func fragmentPosition(split bson.RawValue) (fragment, of int64, err error) {
	doc, ok := split.DocumentOK()
	if !ok {
		return 0, 0, &searchsync.FragmentError{Msg: fmt.Sprintf("splitEvent is %s, not a document", split.Type)}
	}
	fragmentVal, err := doc.LookupErr("fragment")
	if err != nil {
		return 0, 0, &searchsync.FragmentError{Msg: "splitEvent is missing fragment"}
	}
	ofVal, err := doc.LookupErr("of")
	if err != nil {
		return 0, 0, &searchsync.FragmentError{Msg: "splitEvent is missing of"}
	}
	fragment, ok = fragmentVal.AsInt64OK()
	if !ok {
		return 0, 0, &searchsync.FragmentError{Msg: "splitEvent fragment is not a number"}
	}
	of, ok = ofVal.AsInt64OK()
	if !ok {
		return 0, 0, &searchsync.FragmentError{Msg: "splitEvent of is not a number"}
	}
	return fragment, of, nil
}

func eventOpTime(event bson.Raw) (primitive.Timestamp, error) {
	token, err := event.LookupErr(resumeTokenField)
	if err != nil {
		return primitive.Timestamp{}, &searchsync.FragmentError{Msg: "missing resume token in change stream event"}
	}
	doc, ok := token.DocumentOK()
	if !ok {
		return primitive.Timestamp{}, &searchsync.FragmentError{Msg: "resume token is not a document"}
	}
	ts, err := resume.OpTime(doc)
	if err != nil {
		return primitive.Timestamp{}, &searchsync.FragmentError{Msg: "failed to read cluster time from resume token", Err: err}
	}
	return ts, nil
}

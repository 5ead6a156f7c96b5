package changestream

import (
	"context"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/metrics"
	"go.mongodb.org/mongo-driver/bson"
)

// SplitEventClient wraps a change stream whose command ends with
// $changeStreamSplitLargeEvent and returns reassembled events only.
//
// While an event is partially buffered the batch's postBatchResumeToken
// lies past events the consumer has not seen, so the batch resumes from the
// last complete event instead.
type SplitEventClient struct {
	source Source
	buffer *FragmentBuffer
}

// NewSplitEventClient wraps source. collector may be nil.
func NewSplitEventClient(source Source, collector *metrics.Collector) *SplitEventClient {
	return &SplitEventClient{source: source, buffer: NewFragmentBuffer(collector)}
}

// GetNext returns the next batch of complete events. It keeps polling the
// wrapped stream while it holds fragments and has nothing to return.
func (c *SplitEventClient) GetNext(ctx context.Context) (Batch, error) {
	for {
		batch, err := c.source.GetNext(ctx)
		if err != nil {
			return Batch{}, err
		}

		if len(batch.Events) == 0 {
			if !c.buffer.IsBuffering() {
				return batch, nil
			}
			if err := c.ensureOpen(); err != nil {
				return Batch{}, err
			}
			continue
		}

		if !c.buffer.IsBuffering() && !IsFragment(batch.Events[0]) && !IsFragment(batch.Events[len(batch.Events)-1]) {
			return batch, nil
		}

		events, err := c.collect(batch.Events)
		if err != nil {
			return Batch{}, err
		}
		if len(events) == 0 {
			if err := c.ensureOpen(); err != nil {
				return Batch{}, err
			}
			continue
		}

		token := batch.PostBatchResumeToken
		if c.buffer.IsBuffering() {
			token, err = resumeTokenOf(events[len(events)-1])
			if err != nil {
				c.buffer.Clear()
				return Batch{}, err
			}
		}
		return Batch{Events: events, PostBatchResumeToken: token, OperationTime: batch.OperationTime}, nil
	}
}

// collect feeds fragments to the buffer and returns the complete events in
// stream order. Only the first and last event of a batch can start a split
// event: every fragment but the last fills a batch on its own.
func (c *SplitEventClient) collect(batch []bson.Raw) ([]bson.Raw, error) {
	events := make([]bson.Raw, 0, len(batch))
	for i, event := range batch {
		boundary := i == 0 || i == len(batch)-1
		if !c.buffer.IsBuffering() && !(boundary && IsFragment(event)) {
			events = append(events, event)
			continue
		}

		complete, ok, err := c.buffer.ProcessEvent(event)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, complete)
		}
	}
	return events, nil
}

func (c *SplitEventClient) ensureOpen() error {
	if stateful, ok := c.source.(interface{ State() State }); ok && stateful.State() == StateClosed {
		c.buffer.Clear()
		return &searchsync.FragmentError{Msg: "change stream closed while fragments were buffered"}
	}
	return nil
}

// IsBuffering reports whether fragments of an incomplete event are held.
func (c *SplitEventClient) IsBuffering() bool {
	return c.buffer.IsBuffering()
}

// Close clears the buffer and closes the wrapped stream.
func (c *SplitEventClient) Close(ctx context.Context) error {
	c.buffer.Clear()
	return c.source.Close(ctx)
}

func resumeTokenOf(event bson.Raw) (bson.Raw, error) {
	token, err := event.LookupErr(resumeTokenField)
	if err != nil {
		return nil, &searchsync.FragmentError{Msg: "missing resume token in change stream event"}
	}
	doc, ok := token.DocumentOK()
	if !ok {
		return nil, &searchsync.FragmentError{Msg: "resume token is not a document"}
	}
	return doc, nil
}

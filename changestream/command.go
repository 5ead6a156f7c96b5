package changestream

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FullDocumentUpdateLookup asks the server to attach the current document
// to update events.
const FullDocumentUpdateLookup = "updateLookup"

// ChangeStreamCommand describes the aggregate command that opens a change
// stream on one collection.
type ChangeStreamCommand struct {
	Collection string

	// StartAfter resumes after the event with this resume token. It is
	// mutually exclusive with StartAtOperationTime.
	StartAfter bson.Raw

	// StartAtOperationTime starts the stream at a cluster time.
	StartAtOperationTime *primitive.Timestamp

	// BatchSize sets the first batch size. Nil leaves it to the server.
	BatchSize *int32

	// FullDocument is the $changeStream fullDocument option (optional).
	FullDocument string

	// ShowExpandedEvents reports create, modify and other DDL events.
	ShowExpandedEvents bool

	// SplitLargeEvents appends $changeStreamSplitLargeEvent so events over
	// the BSON size limit arrive as fragments instead of failing the cursor.
	SplitLargeEvents bool

	// Stages run after $changeStream and before the split stage.
	Stages []bson.D
}

// Build returns the aggregate command document.
func (c ChangeStreamCommand) Build() bson.D {
	if c.StartAfter != nil && c.StartAtOperationTime != nil {
		panic("changestream: only one of StartAfter or StartAtOperationTime may be set")
	}

	opts := bson.D{}
	if c.FullDocument != "" {
		opts = append(opts, bson.E{Key: "fullDocument", Value: c.FullDocument})
	}
	if c.StartAfter != nil {
		opts = append(opts, bson.E{Key: "startAfter", Value: c.StartAfter})
	}
	if c.StartAtOperationTime != nil {
		opts = append(opts, bson.E{Key: "startAtOperationTime", Value: *c.StartAtOperationTime})
	}
	if c.ShowExpandedEvents {
		opts = append(opts, bson.E{Key: "showExpandedEvents", Value: true})
	}

	pipeline := bson.A{bson.D{{Key: "$changeStream", Value: opts}}}
	for _, stage := range c.Stages {
		pipeline = append(pipeline, stage)
	}
	if c.SplitLargeEvents {
		pipeline = append(pipeline, bson.D{{Key: "$changeStreamSplitLargeEvent", Value: bson.D{}}})
	}

	return bson.D{
		{Key: "aggregate", Value: c.Collection},
		{Key: "pipeline", Value: pipeline},
		{Key: "cursor", Value: cursorOptions(c.BatchSize)},
	}
}

// RequestsEmptyBatch reports whether the command asks for an empty first batch.
func (c ChangeStreamCommand) RequestsEmptyBatch() bool {
	return c.BatchSize != nil && *c.BatchSize == 0
}

// ScanCommand describes the aggregate command behind a collection scan.
type ScanCommand struct {
	Collection string

	// HighWaterMark makes the scan read a majority snapshot no older than
	// this cluster time.
	HighWaterMark primitive.Timestamp

	// NaturalOrder scans in record order and asks the server for resume
	// tokens. Otherwise the scan follows the _id index.
	NaturalOrder bool

	// StartAt resumes a natural order scan at a postBatchResumeToken.
	StartAt bson.Raw

	// LastScannedID resumes an _id order scan. The bound is inclusive, so
	// the document with this id is scanned again.
	LastScannedID bson.RawValue

	BatchSize *int32

	// Stages run after the scan stages, for example a projection.
	Stages []bson.D
}

// Build returns the aggregate command document.
func (c ScanCommand) Build() bson.D {
	pipeline := bson.A{}
	if !c.NaturalOrder {
		if !c.LastScannedID.IsZero() {
			// $expr avoids type bracketing, so ids of every type compare.
			pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{
				{Key: "$expr", Value: bson.D{{Key: "$gte", Value: bson.A{"$_id", c.LastScannedID}}}},
			}}})
		}
		pipeline = append(pipeline, bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}})
	}
	for _, stage := range c.Stages {
		pipeline = append(pipeline, stage)
	}

	cmd := bson.D{
		{Key: "aggregate", Value: c.Collection},
		{Key: "pipeline", Value: pipeline},
		{Key: "cursor", Value: cursorOptions(c.BatchSize)},
	}
	if c.NaturalOrder {
		cmd = append(cmd,
			bson.E{Key: "hint", Value: bson.D{{Key: "$natural", Value: 1}}},
			bson.E{Key: "$_requestResumeToken", Value: true},
		)
		if len(c.StartAt) > 0 {
			cmd = append(cmd, bson.E{Key: "$_startAt", Value: c.StartAt})
		}
	} else {
		cmd = append(cmd, bson.E{Key: "hint", Value: bson.D{{Key: "_id", Value: 1}}})
	}

	readConcern := bson.D{{Key: "level", Value: "majority"}}
	if !c.HighWaterMark.IsZero() {
		readConcern = append(readConcern, bson.E{Key: "afterClusterTime", Value: c.HighWaterMark})
	}
	return append(cmd, bson.E{Key: "readConcern", Value: readConcern})
}

func cursorOptions(batchSize *int32) bson.D {
	if batchSize == nil {
		return bson.D{}
	}
	return bson.D{{Key: "batchSize", Value: *batchSize}}
}

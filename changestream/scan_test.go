package changestream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/resume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func scanToken(t *testing.T, recordID int64, syncID byte) bson.Raw {
	return marshal(t, bson.D{
		{Key: "$recordId", Value: recordID},
		{Key: "$initialSyncId", Value: primitive.Binary{Subtype: 4, Data: []byte{syncID, 1, 2, 3}}},
	})
}

func naturalScan(commander Commander, check NamespaceCheck) *CollectionScanClient {
	return NewCollectionScanClient(commander, ScanConfig{
		Namespace:      testNamespace,
		Command:        ScanCommand{NaturalOrder: true, HighWaterMark: primitive.Timestamp{T: 5}},
		NamespaceCheck: check,
	})
}

func TestCollectionScanClient_NaturalOrderScan(t *testing.T) {
	commander := NewMockCommander()
	doc := marshal(t, bson.D{{Key: "_id", Value: 1}})
	commander.Script(
		Response{CursorID: 3, Batch: []bson.Raw{doc}, PostBatchResumeToken: scanToken(t, 1, 9), OperationTime: primitive.Timestamp{T: 6}},
		Response{CursorID: 3, Batch: []bson.Raw{doc}, PostBatchResumeToken: scanToken(t, 2, 9)},
		Response{CursorID: 0, PostBatchResumeToken: scanToken(t, 3, 9)},
	)
	var checks int
	client := naturalScan(commander, func(context.Context, resume.Namespace) error {
		checks++
		return nil
	})
	ctx := context.Background()

	_, err := client.OperationTime()
	var transient *searchsync.TransientError
	assert.ErrorAs(t, err, &transient)

	var batches int
	for {
		more, err := client.HasNext(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
		_, err = client.GetNext(ctx)
		require.NoError(t, err)
		batches++
	}

	assert.Equal(t, 3, batches)
	assert.Equal(t, 1, checks)
	assert.Equal(t, scanToken(t, 3, 9), client.PostBatchResumeToken())
	opTime, err := client.OperationTime()
	require.NoError(t, err)
	assert.Equal(t, primitive.Timestamp{T: 6}, opTime)

	require.NoError(t, client.Close(ctx))
	assert.Empty(t, commander.Killed())
}

func TestCollectionScanClient_Resumability(t *testing.T) {
	tests := []struct {
		name      string
		responses func(t *testing.T) []Response
		fault     searchsync.ResumabilityFault
		field     string
	}{
		{
			name: "missing postBatchResumeToken",
			responses: func(t *testing.T) []Response {
				return []Response{{CursorID: 1}}
			},
			fault: searchsync.MissingResumeField,
			field: "postBatchResumeToken",
		},
		{
			name: "missing initial sync id",
			responses: func(t *testing.T) []Response {
				return []Response{{CursorID: 1, PostBatchResumeToken: marshal(t, bson.D{{Key: "$recordId", Value: int64(1)}})}}
			},
			fault: searchsync.MissingResumeField,
			field: "initialSyncId",
		},
		{
			name: "missing on getMore",
			responses: func(t *testing.T) []Response {
				return []Response{{CursorID: 1, PostBatchResumeToken: scanToken(t, 1, 9)}, {CursorID: 1}}
			},
			fault: searchsync.MissingResumeField,
			field: "postBatchResumeToken",
		},
		{
			name: "initial sync id changed",
			responses: func(t *testing.T) []Response {
				return []Response{
					{CursorID: 1, PostBatchResumeToken: scanToken(t, 1, 9)},
					{CursorID: 1, PostBatchResumeToken: scanToken(t, 2, 8)},
				}
			},
			fault: searchsync.InitialSyncIDMismatch,
			field: "initialSyncId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commander := NewMockCommander()
			commander.Script(tt.responses(t)...)
			client := naturalScan(commander, nil)
			ctx := context.Background()

			var err error
			for err == nil && client.State() != StateClosed {
				_, err = client.GetNext(ctx)
			}

			var resumability *searchsync.ResumabilityError
			require.ErrorAs(t, err, &resumability)
			assert.Equal(t, tt.fault, resumability.Fault)
			assert.Equal(t, tt.field, resumability.Field)

			require.NoError(t, client.Close(ctx))
			assert.Equal(t, []int64{1}, commander.Killed())
		})
	}
}

func TestCollectionScanClient_IDOrderSkipsResumabilityChecks(t *testing.T) {
	commander := NewMockCommander()
	commander.Script(Response{CursorID: 0, Batch: []bson.Raw{marshal(t, bson.D{{Key: "_id", Value: 1}})}})
	client := NewCollectionScanClient(commander, ScanConfig{Namespace: testNamespace})

	docs, err := client.GetNext(context.Background())
	require.NoError(t, err)

	assert.Len(t, docs, 1)
	assert.Equal(t, StateClosed, client.State())
	assert.Nil(t, client.PostBatchResumeToken())
}

func TestCollectionScanClient_NamespaceChecks(t *testing.T) {
	dropped := &searchsync.NamespaceError{Change: searchsync.NamespaceDropped, Namespace: testNamespace}

	t.Run("before opening", func(t *testing.T) {
		commander := NewMockCommander()
		client := naturalScan(commander, func(context.Context, resume.Namespace) error { return dropped })

		more, err := client.HasNext(context.Background())

		assert.False(t, more)
		assert.ErrorIs(t, err, dropped)
		assert.Zero(t, commander.Opened())
	})

	t.Run("after a failed getMore", func(t *testing.T) {
		commander := NewMockCommander()
		commander.Script(Response{CursorID: 1, PostBatchResumeToken: scanToken(t, 1, 9)})
		commander.GetMoreFunc = func(context.Context, resume.Namespace, int64, int32, time.Duration) (Response, error) {
			return Response{}, errors.New("cursor killed")
		}
		var checks int
		client := naturalScan(commander, func(context.Context, resume.Namespace) error {
			checks++
			if checks > 1 {
				return dropped
			}
			return nil
		})
		ctx := context.Background()

		_, err := client.HasNext(ctx)
		require.NoError(t, err)
		_, err = client.GetNext(ctx)
		require.NoError(t, err)
		_, err = client.GetNext(ctx)

		assert.ErrorIs(t, err, dropped)
		assert.Equal(t, 2, checks)
	})

	t.Run("getMore failure without namespace change", func(t *testing.T) {
		commander := NewMockCommander()
		commander.Script(Response{CursorID: 1, PostBatchResumeToken: scanToken(t, 1, 9)})
		killed := errors.New("cursor killed")
		commander.GetMoreFunc = func(context.Context, resume.Namespace, int64, int32, time.Duration) (Response, error) {
			return Response{}, killed
		}
		client := naturalScan(commander, func(context.Context, resume.Namespace) error { return nil })
		ctx := context.Background()

		_, err := client.GetNext(ctx)
		require.NoError(t, err)
		_, err = client.GetNext(ctx)

		assert.ErrorIs(t, err, killed)
	})
}

func TestScanCommand_Build(t *testing.T) {
	t.Run("natural order", func(t *testing.T) {
		startAt := scanToken(t, 4, 9)
		raw := marshal(t, ScanCommand{
			Collection:    "coll",
			NaturalOrder:  true,
			StartAt:       startAt,
			HighWaterMark: primitive.Timestamp{T: 5, I: 1},
		}.Build())

		assert.Equal(t, int32(1), raw.Lookup("hint", "$natural").Int32())
		assert.True(t, raw.Lookup("$_requestResumeToken").Boolean())
		assert.Equal(t, startAt, raw.Lookup("$_startAt").Document())
		assert.Equal(t, "majority", raw.Lookup("readConcern", "level").StringValue())
		ts, inc := raw.Lookup("readConcern", "afterClusterTime").Timestamp()
		assert.Equal(t, primitive.Timestamp{T: 5, I: 1}, primitive.Timestamp{T: ts, I: inc})
		stages, err := raw.Lookup("pipeline").Array().Values()
		require.NoError(t, err)
		assert.Empty(t, stages)
	})

	t.Run("id order", func(t *testing.T) {
		last := marshal(t, bson.D{{Key: "_id", Value: "k"}}).Lookup("_id")
		raw := marshal(t, ScanCommand{Collection: "coll", LastScannedID: last}.Build())

		assert.Equal(t, int32(1), raw.Lookup("hint", "_id").Int32())
		_, err := raw.LookupErr("$_requestResumeToken")
		assert.Error(t, err)
		bound := raw.Lookup("pipeline", "0", "$match", "$expr", "$gte", "1")
		assert.Equal(t, "k", bound.StringValue())
		assert.Equal(t, int32(1), raw.Lookup("pipeline", "1", "$sort", "_id").Int32())
		_, err = raw.LookupErr("readConcern", "afterClusterTime")
		assert.Error(t, err)
	})
}

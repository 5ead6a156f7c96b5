package mongodb

import (
	"testing"
	"time"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/resume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func marshal(t *testing.T, doc interface{}) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

var ns = resume.Namespace{Database: "db", Collection: "coll"}

func TestParseResponse(t *testing.T) {
	token := resume.Token(primitive.Timestamp{T: 3, I: 1})
	doc := bson.D{{Key: "_id", Value: 1}}

	t.Run("first batch", func(t *testing.T) {
		resp, err := ParseResponse(marshal(t, bson.D{
			{Key: "cursor", Value: bson.D{
				{Key: "id", Value: int64(42)},
				{Key: "ns", Value: "db.coll"},
				{Key: "firstBatch", Value: bson.A{doc}},
				{Key: "postBatchResumeToken", Value: token},
			}},
			{Key: "ok", Value: 1.0},
			{Key: "operationTime", Value: primitive.Timestamp{T: 3, I: 2}},
		}))
		require.NoError(t, err)

		assert.Equal(t, int64(42), resp.CursorID)
		require.Len(t, resp.Batch, 1)
		assert.Equal(t, marshal(t, doc), resp.Batch[0])
		assert.Equal(t, token, resp.PostBatchResumeToken)
		assert.Equal(t, primitive.Timestamp{T: 3, I: 2}, resp.OperationTime)
	})

	t.Run("next batch", func(t *testing.T) {
		resp, err := ParseResponse(marshal(t, bson.D{
			{Key: "cursor", Value: bson.D{
				{Key: "id", Value: int64(0)},
				{Key: "nextBatch", Value: bson.A{doc, doc}},
			}},
			{Key: "ok", Value: 1.0},
		}))
		require.NoError(t, err)

		assert.Zero(t, resp.CursorID)
		assert.Len(t, resp.Batch, 2)
		assert.Nil(t, resp.PostBatchResumeToken)
	})

	t.Run("missing cursor", func(t *testing.T) {
		_, err := ParseResponse(marshal(t, bson.D{{Key: "ok", Value: 1.0}}))

		var decodeErr *searchsync.DecodeError
		require.ErrorAs(t, err, &decodeErr)
		assert.ErrorIs(t, err, ErrMissingCursor)
	})

	t.Run("malformed cursor", func(t *testing.T) {
		_, err := ParseResponse(marshal(t, bson.D{{Key: "cursor", Value: "nope"}}))

		var decodeErr *searchsync.DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	})
}

func TestGetMoreCommand(t *testing.T) {
	t.Run("with options", func(t *testing.T) {
		raw := marshal(t, GetMoreCommand(ns, 42, 100, 2*time.Second))

		assert.Equal(t, int64(42), raw.Lookup("getMore").Int64())
		assert.Equal(t, "coll", raw.Lookup("collection").StringValue())
		assert.Equal(t, int32(100), raw.Lookup("batchSize").Int32())
		assert.Equal(t, int64(2000), raw.Lookup("maxTimeMS").Int64())
	})

	t.Run("server defaults", func(t *testing.T) {
		raw := marshal(t, GetMoreCommand(ns, 42, 0, 0))

		_, err := raw.LookupErr("batchSize")
		assert.Error(t, err)
		_, err = raw.LookupErr("maxTimeMS")
		assert.Error(t, err)
	})
}

func TestCompare(t *testing.T) {
	t.Run("unchanged", func(t *testing.T) {
		assert.NoError(t, Compare(ns, ns, true))
	})

	t.Run("dropped", func(t *testing.T) {
		var nsErr *searchsync.NamespaceError
		require.ErrorAs(t, Compare(ns, resume.Namespace{}, false), &nsErr)
		assert.Equal(t, searchsync.NamespaceDropped, nsErr.Change)
		assert.Equal(t, ns, nsErr.Namespace)
	})

	t.Run("renamed", func(t *testing.T) {
		var nsErr *searchsync.NamespaceError
		require.ErrorAs(t, Compare(ns, resume.Namespace{Database: "db", Collection: "other"}, true), &nsErr)
		assert.Equal(t, searchsync.NamespaceRenamed, nsErr.Change)
	})
}

// Package storetest holds behavior tests shared by every checkpoint.Store
// implementation.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/resume"
)

// Run exercises a store produced by newStore. Each subtest receives a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) checkpoint.Store) {
	t.Helper()
	ctx := context.Background()
	gen := searchsync.GenerationID{IndexID: "products-title", Generation: 3}
	hwm := primitive.Timestamp{T: 1700000000, I: 4}

	t.Run("load of unknown generation returns ErrNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Load(ctx, gen)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("id order round trip", func(t *testing.T) {
		s := newStore(t)
		id := rawValue(t, primitive.NewObjectID())

		require.NoError(t, s.Save(ctx, gen, resume.IDOrder{HighWaterMark: hwm, LastScannedID: id}))

		info, err := s.Load(ctx, gen)
		require.NoError(t, err)
		got, ok := info.(*resume.IDOrder)
		require.True(t, ok, "got %T", info)
		assert.Equal(t, hwm, got.HighWaterMark)
		assert.True(t, id.Equal(got.LastScannedID))
	})

	t.Run("natural order round trip", func(t *testing.T) {
		s := newStore(t)
		token, err := bson.Marshal(bson.D{{Key: "$recordId", Value: int64(99)}, {Key: "$initialSyncId", Value: "sync-1"}})
		require.NoError(t, err)
		want := &resume.NaturalOrder{HighWaterMark: hwm, PostBatchResumeToken: token, SyncSourceHost: "node-2:27017"}

		require.NoError(t, s.Save(ctx, gen, want))

		info, err := s.Load(ctx, gen)
		require.NoError(t, err)
		assert.Equal(t, want, info)
	})

	t.Run("save replaces the previous checkpoint", func(t *testing.T) {
		s := newStore(t)
		ns := resume.Namespace{Database: "shop", Collection: "products"}

		require.NoError(t, s.Save(ctx, gen, resume.IDOrder{HighWaterMark: hwm}))
		require.NoError(t, s.Save(ctx, gen, resume.ChangeStream{Namespace: ns, ResumeToken: resume.Token(hwm)}))

		info, err := s.Load(ctx, gen)
		require.NoError(t, err)
		got, ok := info.(*resume.ChangeStream)
		require.True(t, ok, "got %T", info)
		assert.Equal(t, ns, got.Namespace)
		assert.Equal(t, resume.Token(hwm), got.ResumeToken)
	})

	t.Run("generations are isolated", func(t *testing.T) {
		s := newStore(t)
		next := searchsync.GenerationID{IndexID: gen.IndexID, Generation: gen.Generation + 1}
		other := searchsync.GenerationID{IndexID: "products-body", Generation: gen.Generation}

		require.NoError(t, s.Save(ctx, gen, resume.IDOrder{HighWaterMark: hwm}))

		_, err := s.Load(ctx, next)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
		_, err = s.Load(ctx, other)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("delete removes the checkpoint and is idempotent", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Save(ctx, gen, resume.IDOrder{HighWaterMark: hwm}))
		require.NoError(t, s.Delete(ctx, gen))
		require.NoError(t, s.Delete(ctx, gen))

		_, err := s.Load(ctx, gen)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("invalid info is rejected", func(t *testing.T) {
		s := newStore(t)

		err := s.Save(ctx, gen, resume.ChangeStream{})
		assert.Error(t, err)

		_, err = s.Load(ctx, gen)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("concurrent saves", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				g := searchsync.GenerationID{IndexID: gen.IndexID, Generation: int64(i)}
				assert.NoError(t, s.Save(ctx, g, resume.IDOrder{HighWaterMark: primitive.Timestamp{T: uint32(i + 1)}}))
			}(i)
		}
		wg.Wait()

		for i := 0; i < 8; i++ {
			info, err := s.Load(ctx, searchsync.GenerationID{IndexID: gen.IndexID, Generation: int64(i)})
			require.NoError(t, err)
			assert.Equal(t, uint32(i+1), info.(*resume.IDOrder).HighWaterMark.T)
		}
	})
}

func rawValue(t *testing.T, v interface{}) bson.RawValue {
	t.Helper()
	doc, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	require.NoError(t, err)
	return bson.Raw(doc).Lookup("v")
}

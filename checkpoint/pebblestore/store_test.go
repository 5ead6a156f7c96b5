package pebblestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/checkpoint/storetest"
	"github.com/getpup/searchsync/resume"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) checkpoint.Store {
		s, err := Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	gen := searchsync.GenerationID{IndexID: "idx", Generation: 2}
	hwm := primitive.Timestamp{T: 55, I: 1}

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, gen, resume.IDOrder{HighWaterMark: hwm}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	info, err := s.Load(ctx, gen)
	require.NoError(t, err)
	assert.Equal(t, hwm, info.(*resume.IDOrder).HighWaterMark)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "checkpoint/products/12", string(key(searchsync.GenerationID{IndexID: "products", Generation: 12})))
}

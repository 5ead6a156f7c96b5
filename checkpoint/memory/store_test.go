package memory

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
		return New()
	})
}

func TestStore_LoadReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	gen := searchsync.GenerationID{IndexID: "idx", Generation: 1}
	ns := resume.Namespace{Database: "db", Collection: "coll"}
	token := resume.Token(primitive.Timestamp{T: 10, I: 1})

	require.NoError(t, s.Save(ctx, gen, resume.ChangeStream{Namespace: ns, ResumeToken: token}))
	token[len(token)-3] = 'Z'

	info, err := s.Load(ctx, gen)
	require.NoError(t, err)
	assert.NotEqual(t, token, info.(*resume.ChangeStream).ResumeToken)
	assert.Equal(t, 1, s.Len())
}

//go:build integration

package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/checkpoint/memory"
	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/mongodb"
	"github.com/getpup/searchsync/pkg/replication"
	"github.com/getpup/searchsync/resume"
)

var gen = searchsync.GenerationID{IndexID: "products-title", Generation: 1}

type harness struct {
	client      *mongo.Client
	ns          resume.Namespace
	index       *indexer.MemoryIndexer
	checkpoints checkpoint.Store
}

func newHarness(t *testing.T) *harness {
	client := getTestClient(t)
	return &harness{
		client:      client,
		ns:          setupCollection(t, client),
		index:       indexer.NewMemory(indexer.MemoryConfig{Definition: indexer.Definition{IndexID: gen.IndexID}}),
		checkpoints: memory.New(),
	}
}

// start runs replication in the background. The returned func stops it and
// returns Run's result.
func (h *harness) start(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	version, err := mongodb.ServerVersion(ctx, h.client)
	require.NoError(t, err)
	resolver := mongodb.NewResolver(h.client)
	uuid, err := resolver.CollectionUUID(ctx, h.ns)
	require.NoError(t, err)

	service, err := replication.New(
		replication.WithCommander(mongodb.NewCommander(h.client)),
		replication.WithCheckpointStore(h.checkpoints),
		replication.WithServerVersion(version),
		replication.WithBatchSize(10),
		replication.WithMaxAwaitTime(100*time.Millisecond),
		replication.WithRetryInterval(10*time.Millisecond, 100*time.Millisecond),
		replication.WithMetricsEnabled(false),
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx, replication.Generation{
			ID:             gen,
			Namespace:      h.ns,
			Indexer:        h.index,
			NamespaceCheck: resolver.Check(uuid),
		})
	}()

	return func() error {
		cancel()
		var runErr error
		select {
		case runErr = <-done:
		case <-time.After(30 * time.Second):
			t.Fatal("replication did not stop")
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		require.NoError(t, service.Shutdown(shutdownCtx))
		return runErr
	}
}

func (h *harness) collection() *mongo.Collection {
	return h.client.Database(h.ns.Database).Collection(h.ns.Collection)
}

func (h *harness) waitForLen(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.index.Len() == n }, 30*time.Second, 50*time.Millisecond,
		"expected %d indexed documents", n)
}

func (h *harness) changeStreamCheckpoint(t *testing.T) *resume.ChangeStream {
	t.Helper()
	var position *resume.ChangeStream
	require.Eventually(t, func() bool {
		info, err := h.checkpoints.Load(context.Background(), gen)
		if err != nil {
			return false
		}
		var ok bool
		position, ok = info.(*resume.ChangeStream)
		return ok
	}, 30*time.Second, 50*time.Millisecond)
	return position
}

func TestReplication_InitialSyncThenSteadyState(t *testing.T) {
	h := newHarness(t)
	insertProducts(t, h.client, h.ns, 0, 45)

	stop := h.start(t)
	h.waitForLen(t, 45)
	h.changeStreamCheckpoint(t)

	ctx := context.Background()
	insertProducts(t, h.client, h.ns, 45, 50)
	_, err := h.collection().UpdateOne(ctx, bson.D{{Key: "_id", Value: int32(3)}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "title", Value: "renamed product"}}}})
	require.NoError(t, err)
	_, err = h.collection().DeleteOne(ctx, bson.D{{Key: "_id", Value: int32(7)}})
	require.NoError(t, err)

	h.waitForLen(t, 49)
	require.Eventually(t, func() bool {
		doc, ok := h.index.Get(idValue(t, 3))
		return ok && doc["title"] == "renamed product"
	}, 30*time.Second, 50*time.Millisecond)
	_, ok := h.index.Get(idValue(t, 7))
	assert.False(t, ok)

	assert.NoError(t, stop())
}

func TestReplication_ResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	insertProducts(t, h.client, h.ns, 0, 20)

	stop := h.start(t)
	h.waitForLen(t, 20)
	first := h.changeStreamCheckpoint(t)
	require.NoError(t, stop())

	insertProducts(t, h.client, h.ns, 20, 30)

	stop = h.start(t)
	h.waitForLen(t, 30)
	require.NoError(t, stop())

	last := h.changeStreamCheckpoint(t)
	assert.Equal(t, h.ns, last.Namespace)
	assert.NotEqual(t, first.ResumeToken, last.ResumeToken)
}

func TestReplication_FollowsRename(t *testing.T) {
	h := newHarness(t)
	insertProducts(t, h.client, h.ns, 0, 10)

	stop := h.start(t)
	h.waitForLen(t, 10)
	h.changeStreamCheckpoint(t)

	renamed := resume.Namespace{Database: h.ns.Database, Collection: "catalog"}
	err := h.client.Database("admin").RunCommand(context.Background(), bson.D{
		{Key: "renameCollection", Value: h.ns.String()},
		{Key: "to", Value: renamed.String()},
	}).Err()
	require.NoError(t, err)

	insertProducts(t, h.client, renamed, 10, 15)
	h.waitForLen(t, 15)

	require.Eventually(t, func() bool {
		info, err := h.checkpoints.Load(context.Background(), gen)
		if err != nil {
			return false
		}
		position, ok := info.(*resume.ChangeStream)
		return ok && position.Namespace == renamed
	}, 30*time.Second, 50*time.Millisecond)

	assert.NoError(t, stop())
}

package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/embedding"
	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/resume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func docID(t *testing.T, id int32) bson.RawValue {
	t.Helper()
	doc, err := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	require.NoError(t, err)
	return bson.Raw(doc).Lookup("_id")
}

func insert(t *testing.T, id int32, doc bson.M) indexer.DocumentEvent {
	return indexer.DocumentEvent{Type: indexer.EventInsert, ID: docID(t, id), Document: doc}
}

func embedFixture(def indexer.Definition) (*EmbedStrategy, *embedding.MockProvider, *indexer.MockIndexer) {
	provider := embedding.NewMockProvider()
	idx := indexer.NewMockIndexer(def)
	strategy := &EmbedStrategy{
		Provider: provider,
		Catalog:  embedding.NewCatalog(embedding.Model{Name: "test-model"}),
	}
	return strategy, provider, idx
}

func titleDefinition() indexer.Definition {
	return indexer.Definition{
		IndexID:     "idx",
		EmbedFields: []indexer.EmbedField{{Path: "title", Model: "TEST-MODEL"}},
	}
}

func runEmbed(s *EmbedStrategy, priority searchsync.Priority, payload IndexPayload) error {
	return s.Run(context.Background(), NewBatch(genA, searchsync.NoAttempt, priority, payload, len(payload.Events)))
}

func TestEmbedStrategy_ReplacesTextWithVectors(t *testing.T) {
	s, provider, idx := embedFixture(titleDefinition())

	err := runEmbed(s, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
		Indexer: idx,
		Events: []indexer.DocumentEvent{
			insert(t, 1, bson.M{"title": "hello"}),
			insert(t, 2, bson.M{"title": "hello"}),
			insert(t, 3, bson.M{"title": "world!"}),
		},
	})
	require.NoError(t, err)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"hello", "world!"}, calls[0].Texts)
	assert.Equal(t, embedding.TierChangeStream, calls[0].Tier)
	assert.Equal(t, "test-model", calls[0].Model.Name)

	events := idx.Events()
	require.Len(t, events, 3)
	assert.Equal(t, []float32{5}, events[0].Document["title"])
	assert.Equal(t, []float32{5}, events[1].Document["title"])
	assert.Equal(t, []float32{6}, events[2].Document["title"])
}

func TestEmbedStrategy_CollectionScanTier(t *testing.T) {
	s, provider, idx := embedFixture(titleDefinition())

	err := runEmbed(s, searchsync.PriorityInitialSyncCollectionScan, IndexPayload{
		Indexer: idx,
		Events:  []indexer.DocumentEvent{insert(t, 1, bson.M{"title": "x"})},
	})
	require.NoError(t, err)

	require.Len(t, provider.Calls(), 1)
	assert.Equal(t, embedding.TierCollectionScan, provider.Calls()[0].Tier)
}

func TestEmbedStrategy_UnregisteredModel(t *testing.T) {
	s, provider, idx := embedFixture(indexer.Definition{
		EmbedFields: []indexer.EmbedField{{Path: "title", Model: "unknown"}},
	})

	err := runEmbed(s, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
		Indexer: idx,
		Events:  []indexer.DocumentEvent{insert(t, 1, bson.M{"title": "x"})},
	})

	var embeddingErr *searchsync.EmbeddingError
	require.ErrorAs(t, err, &embeddingErr)
	assert.False(t, embeddingErr.Transient)
	assert.Empty(t, provider.Calls())
	assert.Empty(t, idx.Events())
}

func TestEmbedStrategy_ResultCountMismatch(t *testing.T) {
	s, provider, idx := embedFixture(titleDefinition())
	provider.EmbedFunc = func(context.Context, []string, embedding.Model, embedding.Tier) ([]embedding.VectorOrError, error) {
		return nil, nil
	}

	err := runEmbed(s, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
		Indexer: idx,
		Events:  []indexer.DocumentEvent{insert(t, 1, bson.M{"title": "x"})},
	})

	var embeddingErr *searchsync.EmbeddingError
	require.ErrorAs(t, err, &embeddingErr)
	assert.Empty(t, idx.Events())
}

func TestEmbedStrategy_ProviderFailurePropagates(t *testing.T) {
	s, provider, idx := embedFixture(titleDefinition())
	providerErr := &searchsync.EmbeddingError{Transient: true, Err: errors.New("rate limited")}
	provider.EmbedFunc = func(context.Context, []string, embedding.Model, embedding.Tier) ([]embedding.VectorOrError, error) {
		return nil, providerErr
	}

	err := runEmbed(s, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
		Indexer: idx,
		Events:  []indexer.DocumentEvent{insert(t, 1, bson.M{"title": "x"})},
	})

	assert.ErrorIs(t, err, providerErr)
	assert.Empty(t, idx.Events())
}

func TestEmbedStrategy_PerTextFailuresAreSkipped(t *testing.T) {
	s, _, idx := embedFixture(titleDefinition())

	err := runEmbed(s, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
		Indexer: idx,
		Events: []indexer.DocumentEvent{
			insert(t, 1, bson.M{"title": ""}),
			insert(t, 2, bson.M{"title": "ok"}),
		},
	})
	require.NoError(t, err)

	events := idx.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "", events[0].Document["title"])
	assert.Equal(t, []float32{2}, events[1].Document["title"])
}

func TestEmbedStrategy_SkipsEventsThatNeedNoEmbedding(t *testing.T) {
	s, provider, idx := embedFixture(titleDefinition())

	reused := insert(t, 4, bson.M{"title": "cached"})
	reused.Embeddings = map[string]map[string][]float32{"title": {"cached": {42}}}

	err := runEmbed(s, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
		Indexer: idx,
		Events: []indexer.DocumentEvent{
			{Type: indexer.EventDelete, ID: docID(t, 1)},
			{Type: indexer.EventUpdate, ID: docID(t, 2)},
			{Type: indexer.EventUpdate, ID: docID(t, 3), Document: bson.M{"title": "filter"}, FilterFieldUpdates: bson.M{"status": "x"}},
			reused,
		},
	})
	require.NoError(t, err)

	assert.Empty(t, provider.Calls())
	events := idx.Events()
	require.Len(t, events, 4)
	assert.Equal(t, "filter", events[2].Document["title"])
	assert.Equal(t, []float32{42}, events[3].Document["title"])
}

func TestEmbedStrategy_BundlesAreCapped(t *testing.T) {
	s, provider, idx := embedFixture(titleDefinition())
	s.MaxBundleDocuments = 2

	err := runEmbed(s, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
		Indexer: idx,
		Events: []indexer.DocumentEvent{
			insert(t, 1, bson.M{"title": "a"}),
			insert(t, 2, bson.M{"title": "bb"}),
			insert(t, 3, bson.M{"title": "ccc"}),
		},
	})
	require.NoError(t, err)

	assert.Len(t, provider.Calls(), 2)
	events := idx.Events()
	require.Len(t, events, 3)
	assert.Equal(t, []float32{3}, events[2].Document["title"])
}

func TestEmbedStrategy_MaterializedViewKeepsText(t *testing.T) {
	def := titleDefinition()
	def.MaterializedView = true
	s, _, idx := embedFixture(def)

	err := runEmbed(s, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
		Indexer: idx,
		Events:  []indexer.DocumentEvent{insert(t, 1, bson.M{"title": "abc"})},
	})
	require.NoError(t, err)

	events := idx.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "abc", events[0].Document["title"])
	vector, ok := events[0].Embedding("title", "abc")
	require.True(t, ok)
	assert.Equal(t, []float32{3}, vector)
}

func TestEmbedStrategy_CommitsCheckpoint(t *testing.T) {
	s, _, idx := embedFixture(titleDefinition())
	checkpoint := &resume.IDOrder{HighWaterMark: primitive.Timestamp{T: 1}}

	err := runEmbed(s, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
		Indexer:    idx,
		Events:     []indexer.DocumentEvent{insert(t, 1, bson.M{"title": "abc"})},
		Checkpoint: checkpoint,
	})
	require.NoError(t, err)

	commits := idx.Commits()
	require.Len(t, commits, 1)
	assert.Same(t, checkpoint, commits[0])
}

func TestIndexStrategy(t *testing.T) {
	t.Run("aggregates indexing failures", func(t *testing.T) {
		idx := indexer.NewMockIndexer(indexer.Definition{})
		limit := &searchsync.LimitError{Kind: searchsync.LimitFields}
		idx.IndexEventFunc = func(_ context.Context, e indexer.DocumentEvent) error {
			if e.Document["bad"] != nil {
				return limit
			}
			return nil
		}

		err := IndexStrategy{}.Run(context.Background(), NewBatch(genA, searchsync.NoAttempt, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
			Indexer: idx,
			Events: []indexer.DocumentEvent{
				insert(t, 1, bson.M{"bad": true}),
				insert(t, 2, bson.M{"fine": true}),
			},
		}, 2))

		assert.ErrorIs(t, err, limit)
		assert.Len(t, idx.Events(), 2)
		assert.Empty(t, idx.Commits())
	})

	t.Run("reports exceeded limits", func(t *testing.T) {
		idx := indexer.NewMockIndexer(indexer.Definition{})
		limit := &searchsync.LimitError{Kind: searchsync.LimitDocuments}
		idx.ExceededLimitsFunc = func() error { return limit }

		err := IndexStrategy{}.Run(context.Background(), NewBatch(genA, searchsync.NoAttempt, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
			Indexer: idx,
		}, 0))

		assert.ErrorIs(t, err, limit)
	})

	t.Run("commit on finalize", func(t *testing.T) {
		idx := indexer.NewMockIndexer(indexer.Definition{})

		err := IndexStrategy{CommitOnFinalize: true}.Run(context.Background(), NewBatch(genA, searchsync.NoAttempt, searchsync.PrioritySteadyStateChangeStream, IndexPayload{
			Indexer: idx,
		}, 0))

		require.NoError(t, err)
		assert.Len(t, idx.Commits(), 1)
	})
}

func TestDecodeStrategy(t *testing.T) {
	var got []bson.Raw
	decoder := indexer.DecoderFunc(func(_ context.Context, docs []bson.Raw) error {
		got = docs
		return nil
	})
	doc, err := bson.Marshal(bson.D{{Key: "a", Value: 1}})
	require.NoError(t, err)

	err = DecodeStrategy{}.Run(context.Background(), NewBatch(genA, searchsync.NoAttempt, searchsync.PrioritySteadyStateChangeStream, DecodePayload{
		Documents: []bson.Raw{doc},
		Decoder:   decoder,
	}, 1))

	require.NoError(t, err)
	assert.Equal(t, []bson.Raw{doc}, got)
}

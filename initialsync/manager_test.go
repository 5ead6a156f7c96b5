package initialsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/changestream"
	"github.com/getpup/searchsync/checkpoint"
	"github.com/getpup/searchsync/classify"
	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/resume"
	"github.com/getpup/searchsync/scheduler"
	"github.com/getpup/searchsync/steadystate"
)

var (
	ns  = resume.Namespace{Database: "shop", Collection: "products"}
	gen = searchsync.GenerationID{IndexID: "products-title", Generation: 2}
	hwm = primitive.Timestamp{T: 1000, I: 3}

	legacy  = changestream.Version{Major: 6, Minor: 0}
	current = changestream.Version{Major: 9, Minor: 0}
)

func disabled() *bool {
	b := false
	return &b
}

func marshal(t *testing.T, doc interface{}) bson.Raw {
	t.Helper()
	data, err := bson.Marshal(doc)
	require.NoError(t, err)
	return data
}

func doc(t *testing.T, id int32) bson.Raw {
	return marshal(t, bson.D{{Key: "_id", Value: id}, {Key: "title", Value: "doc"}})
}

func recordToken(t *testing.T, record int64, syncID string) bson.Raw {
	return marshal(t, bson.D{{Key: "$recordId", Value: record}, {Key: "$initialSyncId", Value: syncID}})
}

func token(i uint32) bson.Raw {
	return resume.Token(primitive.Timestamp{T: 2000, I: i})
}

type fixture struct {
	commander   *changestream.MockCommander
	indexer     *indexer.MockIndexer
	checkpoints *checkpoint.MockStore
	config      Config
}

func newFixture(t *testing.T, version changestream.Version) *fixture {
	t.Helper()

	decoding := scheduler.NewDecoding(scheduler.Config{Workers: 2, MetricsEnabled: disabled()})
	indexing := scheduler.NewIndexing(scheduler.Config{Workers: 2, MetricsEnabled: disabled()}, false)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, decoding.Shutdown().Wait(ctx))
		require.NoError(t, indexing.Shutdown().Wait(ctx))
	})

	f := &fixture{
		commander:   changestream.NewMockCommander(),
		indexer:     indexer.NewMockIndexer(indexer.Definition{IndexID: gen.IndexID}),
		checkpoints: checkpoint.NewMockStore(),
	}
	f.config = Config{
		Generation:    gen,
		Namespace:     ns,
		Indexer:       f.indexer,
		Commander:     f.commander,
		Decoding:      decoding,
		Indexing:      indexing,
		Checkpoints:   f.checkpoints,
		ServerVersion: version,
		SteadyState: steadystate.New(steadystate.Config{
			Generation:  gen,
			Namespace:   ns,
			Indexer:     f.indexer,
			Commander:   f.commander,
			Decoding:    decoding,
			Indexing:    indexing,
			Checkpoints: f.checkpoints,
		}),
	}
	return f
}

func (f *fixture) run(t *testing.T) error {
	t.Helper()
	return New(f.config).Run(context.Background())
}

func (f *fixture) command(t *testing.T, i int) bson.Raw {
	t.Helper()
	require.Greater(t, len(f.commander.OpenCursorCalls), i)
	return marshal(t, f.commander.OpenCursorCalls[i])
}

func kinds(saved []checkpoint.SaveCall) []resume.Kind {
	out := make([]resume.Kind, 0, len(saved))
	for _, call := range saved {
		out = append(out, call.Info.Kind())
	}
	return out
}

func TestRun_IDOrderScanThenCatchUp(t *testing.T) {
	f := newFixture(t, legacy)
	f.commander.Script(
		changestream.Response{OperationTime: hwm},
		changestream.Response{CursorID: 5, Batch: []bson.Raw{doc(t, 1), doc(t, 2)}},
		changestream.Response{CursorID: 0, Batch: []bson.Raw{doc(t, 3)}},
		changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
		changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
	)

	require.NoError(t, f.run(t))

	events := f.indexer.Events()
	require.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, indexer.EventInsert, event.Type)
		assert.Equal(t, int32(i+1), event.ID.Int32())
	}

	saved := f.checkpoints.Saved()
	assert.Equal(t, []resume.Kind{resume.KindIDOrder, resume.KindIDOrder, resume.KindChangeStream}, kinds(saved))
	second := saved[1].Info.(*resume.IDOrder)
	assert.Equal(t, hwm, second.HighWaterMark)
	assert.Equal(t, int32(3), second.LastScannedID.Int32())
	assert.Equal(t, token(1), saved[2].Info.(*resume.ChangeStream).ResumeToken)

	hwmCmd := f.command(t, 0)
	batchSize, err := hwmCmd.LookupErr("cursor", "batchSize")
	require.NoError(t, err)
	assert.Equal(t, int32(0), batchSize.Int32())

	scanCmd := f.command(t, 1)
	_, err = scanCmd.LookupErr("hint", "_id")
	assert.NoError(t, err)
	ts, i := scanCmd.Lookup("readConcern", "afterClusterTime").Timestamp()
	assert.Equal(t, hwm, primitive.Timestamp{T: ts, I: i})

	catchUp := f.command(t, 2)
	ts, i = catchUp.Lookup("pipeline", "0", "$changeStream", "startAtOperationTime").Timestamp()
	assert.Equal(t, hwm, primitive.Timestamp{T: ts, I: i})

	assert.Equal(t, []int64{7}, f.commander.Killed())
}

func TestRun_NaturalOrderScan(t *testing.T) {
	f := newFixture(t, current)
	f.commander.Script(
		changestream.Response{OperationTime: hwm},
		changestream.Response{CursorID: 5, Batch: []bson.Raw{doc(t, 9)}, PostBatchResumeToken: recordToken(t, 1, "sync-a")},
		changestream.Response{CursorID: 0, Batch: []bson.Raw{doc(t, 4)}, PostBatchResumeToken: recordToken(t, 2, "sync-a")},
		changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
		changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
	)

	require.NoError(t, f.run(t))

	saved := f.checkpoints.Saved()
	assert.Equal(t, []resume.Kind{resume.KindNaturalOrder, resume.KindNaturalOrder, resume.KindChangeStream}, kinds(saved))
	assert.Equal(t, recordToken(t, 2, "sync-a"), saved[1].Info.(*resume.NaturalOrder).PostBatchResumeToken)

	scanCmd := f.command(t, 1)
	_, err := scanCmd.LookupErr("hint", "$natural")
	assert.NoError(t, err)
	assert.True(t, scanCmd.Lookup("$_requestResumeToken").Boolean())
}

func TestRun_DisableNaturalOrder(t *testing.T) {
	f := newFixture(t, current)
	f.config.DisableNaturalOrder = true
	f.commander.Script(
		changestream.Response{OperationTime: hwm},
		changestream.Response{CursorID: 0},
		changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
		changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
	)

	require.NoError(t, f.run(t))

	_, err := f.command(t, 1).LookupErr("hint", "_id")
	assert.NoError(t, err)
	assert.Empty(t, f.indexer.Events())
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	t.Run("id order", func(t *testing.T) {
		f := newFixture(t, legacy)
		last := marshal(t, bson.D{{Key: "v", Value: int32(41)}}).Lookup("v")
		require.NoError(t, f.checkpoints.Save(context.Background(), gen, &resume.IDOrder{HighWaterMark: hwm, LastScannedID: last}))
		f.commander.Script(
			changestream.Response{CursorID: 0, Batch: []bson.Raw{doc(t, 41), doc(t, 42)}},
			changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
			changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
		)

		require.NoError(t, f.run(t))

		scanCmd := f.command(t, 0)
		bound := scanCmd.Lookup("pipeline", "0", "$match", "$expr", "$gte", "1")
		assert.Equal(t, int32(41), bound.Int32())
		assert.Len(t, f.indexer.Events(), 2)
	})

	t.Run("natural order", func(t *testing.T) {
		f := newFixture(t, current)
		start := recordToken(t, 10, "sync-a")
		require.NoError(t, f.checkpoints.Save(context.Background(), gen, &resume.NaturalOrder{HighWaterMark: hwm, PostBatchResumeToken: start}))
		f.commander.Script(
			changestream.Response{CursorID: 0, Batch: []bson.Raw{doc(t, 1)}, PostBatchResumeToken: recordToken(t, 11, "sync-a")},
			changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
			changestream.Response{CursorID: 7, PostBatchResumeToken: token(1)},
		)

		require.NoError(t, f.run(t))

		startAt, err := f.command(t, 0).LookupErr("$_startAt")
		require.NoError(t, err)
		assert.Equal(t, start, startAt.Document())
	})

	t.Run("natural order without server support", func(t *testing.T) {
		f := newFixture(t, legacy)
		require.NoError(t, f.checkpoints.Save(context.Background(), gen,
			&resume.NaturalOrder{HighWaterMark: hwm, PostBatchResumeToken: recordToken(t, 10, "sync-a")}))

		err := f.run(t)

		assert.Equal(t, classify.ActionResync, classify.ActionOf(err))
		assert.Zero(t, f.commander.Opened())
	})

	t.Run("already complete", func(t *testing.T) {
		f := newFixture(t, legacy)
		require.NoError(t, f.checkpoints.Save(context.Background(), gen, &resume.ChangeStream{Namespace: ns, ResumeToken: token(1)}))

		require.NoError(t, f.run(t))
		assert.Zero(t, f.commander.Opened())
	})
}

func TestRun_NaturalOrderNotResumable(t *testing.T) {
	f := newFixture(t, current)
	f.commander.Script(
		changestream.Response{OperationTime: hwm},
		changestream.Response{CursorID: 5, Batch: []bson.Raw{doc(t, 1)}, PostBatchResumeToken: marshal(t, bson.D{{Key: "$recordId", Value: int64(1)}})},
	)

	err := f.run(t)

	var classified *classify.InitialSyncError
	require.True(t, errors.As(err, &classified), "got %v", err)
	assert.Equal(t, classify.InitialSyncRequiresResync, classified.Kind)
	assert.True(t, classify.NaturalOrderUnsupported(err))
	assert.Empty(t, f.checkpoints.Saved())
	assert.Equal(t, []int64{5}, f.commander.Killed())
}

func TestRun_CollectionMissing(t *testing.T) {
	f := newFixture(t, legacy)
	f.config.NamespaceCheck = func(_ context.Context, ns resume.Namespace) error {
		return &searchsync.NamespaceError{Change: searchsync.NamespaceDoesNotExist, Namespace: ns}
	}
	f.commander.Script(changestream.Response{CursorID: 3, OperationTime: hwm})

	err := f.run(t)

	var classified *classify.InitialSyncError
	require.True(t, errors.As(err, &classified), "got %v", err)
	assert.Equal(t, classify.InitialSyncDoesNotExist, classified.Kind)
	assert.Equal(t, classify.ActionWait, classify.ActionOf(err))
}

func TestRun_MissingOperationTimeIsTransient(t *testing.T) {
	f := newFixture(t, legacy)
	f.commander.Script(changestream.Response{})

	err := f.run(t)

	assert.ErrorIs(t, err, changestream.ErrMissingOperationTime)
	assert.Equal(t, classify.ActionRetry, classify.ActionOf(err))
}

func TestRun_IndexFailureFailsScan(t *testing.T) {
	f := newFixture(t, legacy)
	f.indexer.IndexEventFunc = func(context.Context, indexer.DocumentEvent) error {
		return &searchsync.LimitError{Kind: searchsync.LimitFields, Msg: "too many fields"}
	}
	f.commander.Script(
		changestream.Response{OperationTime: hwm},
		changestream.Response{CursorID: 0, Batch: []bson.Raw{doc(t, 1)}},
	)

	err := f.run(t)

	var classified *classify.InitialSyncError
	require.True(t, errors.As(err, &classified), "got %v", err)
	assert.Equal(t, classify.InitialSyncFieldExceeded, classified.Kind)
	assert.Empty(t, f.checkpoints.Saved())
}

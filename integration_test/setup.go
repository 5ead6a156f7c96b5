//go:build integration

package integration_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/getpup/searchsync/resume"
)

// getTestClient returns a client for the replica set at MONGODB_URI and
// skips the test if it is not set. Change streams need a replica set.
func getTestClient(t *testing.T) *mongo.Client {
	t.Helper()

	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("failed to connect to mongodb: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("failed to ping mongodb: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	})
	return client
}

// setupCollection creates a uniquely named database with one collection and
// drops the database when the test ends.
func setupCollection(t *testing.T, client *mongo.Client) resume.Namespace {
	t.Helper()

	ns := resume.Namespace{
		Database:   "searchsync_it_" + uuid.NewString()[:8],
		Collection: "products",
	}
	ctx := context.Background()
	if err := client.Database(ns.Database).CreateCollection(ctx, ns.Collection); err != nil {
		t.Fatalf("failed to create collection: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Database(ns.Database).Drop(ctx); err != nil {
			t.Logf("warning: failed to drop database %s: %v", ns.Database, err)
		}
	})
	return ns
}

// insertProducts inserts documents with _id from..to-1.
func insertProducts(t *testing.T, client *mongo.Client, ns resume.Namespace, from, to int32) {
	t.Helper()

	docs := make([]interface{}, 0, to-from)
	for id := from; id < to; id++ {
		docs = append(docs, bson.D{{Key: "_id", Value: id}, {Key: "title", Value: "product"}})
	}
	if _, err := client.Database(ns.Database).Collection(ns.Collection).InsertMany(context.Background(), docs); err != nil {
		t.Fatalf("failed to insert documents: %v", err)
	}
}

// idValue returns id as it appears in a document's _id field.
func idValue(t *testing.T, id int32) bson.RawValue {
	t.Helper()

	raw, err := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	if err != nil {
		t.Fatalf("failed to marshal id: %v", err)
	}
	return bson.Raw(raw).Lookup("_id")
}

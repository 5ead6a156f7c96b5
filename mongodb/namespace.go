package mongodb

import (
	"context"
	"fmt"

	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/changestream"
	"github.com/getpup/searchsync/resume"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Resolver finds collections by their UUID, which survives renames.
type Resolver struct {
	client *mongo.Client
}

// NewResolver creates a Resolver.
func NewResolver(client *mongo.Client) *Resolver {
	return &Resolver{client: client}
}

// CollectionUUID returns the UUID of the collection at ns. It returns a
// *searchsync.NamespaceError when the collection does not exist.
func (r *Resolver) CollectionUUID(ctx context.Context, ns resume.Namespace) (primitive.Binary, error) {
	specs, err := r.client.Database(ns.Database).ListCollectionSpecifications(ctx, bson.D{{Key: "name", Value: ns.Collection}})
	if err != nil {
		return primitive.Binary{}, fmt.Errorf("failed to list collections in %s: %w", ns.Database, err)
	}
	if len(specs) == 0 || specs[0].UUID == nil {
		return primitive.Binary{}, &searchsync.NamespaceError{Change: searchsync.NamespaceDoesNotExist, Namespace: ns}
	}
	return *specs[0].UUID, nil
}

// Resolve returns the current namespace of the collection with the given
// UUID in database. ok is false if no such collection exists.
func (r *Resolver) Resolve(ctx context.Context, database string, uuid primitive.Binary) (ns resume.Namespace, ok bool, err error) {
	specs, err := r.client.Database(database).ListCollectionSpecifications(ctx, bson.D{{Key: "info.uuid", Value: uuid}})
	if err != nil {
		return resume.Namespace{}, false, fmt.Errorf("failed to list collections in %s: %w", database, err)
	}
	if len(specs) == 0 {
		return resume.Namespace{}, false, nil
	}
	return resume.Namespace{Database: database, Collection: specs[0].Name}, true, nil
}

// Check returns a namespace check for the collection with the given UUID.
func (r *Resolver) Check(uuid primitive.Binary) changestream.NamespaceCheck {
	return func(ctx context.Context, expected resume.Namespace) error {
		current, ok, err := r.Resolve(ctx, expected.Database, uuid)
		if err != nil {
			return err
		}
		return Compare(expected, current, ok)
	}
}

// Compare turns the outcome of a resolution into a namespace error.
func Compare(expected, current resume.Namespace, found bool) error {
	switch {
	case !found:
		return &searchsync.NamespaceError{Change: searchsync.NamespaceDropped, Namespace: expected}
	case current != expected:
		return &searchsync.NamespaceError{Change: searchsync.NamespaceRenamed, Namespace: expected}
	default:
		return nil
	}
}

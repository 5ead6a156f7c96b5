package searchsync

import "context"

// Replicator keeps one index generation in sync with its source collection.
type Replicator interface {
	// Run replicates until ctx is cancelled or a condition that the
	// replicator cannot handle by itself occurs.
	//
	// Run returns nil when ctx is cancelled and in-flight work has drained.
	// Any other return value is a classified error (see package classify)
	// telling the caller what to do next: retry, resync, or give up.
	Run(ctx context.Context) error
}

package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/getpup/pupsourcing/es"
	"github.com/getpup/searchsync"
	"github.com/getpup/searchsync/embedding"
	"github.com/getpup/searchsync/indexer"
	"github.com/getpup/searchsync/metrics"
	"golang.org/x/sync/errgroup"
)

// EmbedStrategy replaces the text of auto-embedded fields with vectors
// before applying events to the indexer. All embedding requests of a batch
// finish before any of its events is indexed.
type EmbedStrategy struct {
	Provider embedding.Provider
	Catalog  *embedding.Catalog

	// CommitOnFinalize commits after every batch, with or without a checkpoint.
	CommitOnFinalize bool

	// MaxBundleDocuments bounds how many documents contribute texts to a
	// single provider request (default: 1000).
	MaxBundleDocuments int

	// Concurrency bounds concurrent provider requests per batch (default: 4).
	Concurrency int

	// Collector records embedding metrics (optional).
	Collector *metrics.Collector

	// Logger is for observability (optional).
	Logger es.Logger
}

// NewEmbedding creates a scheduler that embeds and then indexes.
func NewEmbedding(cfg Config, strategy *EmbedStrategy) *WorkScheduler[IndexPayload] {
	if cfg.Name == "" {
		cfg.Name = "embedding"
	}
	return New[IndexPayload](cfg, strategy)
}

// textBundle is the input of a single provider request.
type textBundle struct {
	model     embedding.Model
	texts     []string
	seen      map[string]struct{}
	documents int
}

func (b *textBundle) add(text string) {
	if _, ok := b.seen[text]; ok {
		return
	}
	b.seen[text] = struct{}{}
	b.texts = append(b.texts, text)
}

// Run implements the Strategy interface.
func (s *EmbedStrategy) Run(ctx context.Context, b *Batch[IndexPayload]) error {
	def := b.Payload.Indexer.Definition()
	if len(def.EmbedFields) == 0 {
		return indexAndCommit(ctx, b.Payload, b.Payload.Events, s.CommitOnFinalize)
	}

	models := make(map[string]embedding.Model, len(def.EmbedFields))
	for _, field := range def.EmbedFields {
		m, err := s.Catalog.Lookup(field.Model)
		if err != nil {
			return &searchsync.EmbeddingError{Err: err}
		}
		models[field.Path] = m
	}

	tier := embedding.TierChangeStream
	if b.Priority == searchsync.PriorityInitialSyncCollectionScan {
		tier = embedding.TierCollectionScan
	}

	bundles := s.bundle(b.Payload.Events, def.EmbedFields, models)
	vectors, err := s.embed(ctx, bundles, tier)
	if err != nil {
		return err
	}

	events := make([]indexer.DocumentEvent, len(b.Payload.Events))
	for i, event := range b.Payload.Events {
		events[i] = applyVectors(event, def, models, vectors)
	}
	return indexAndCommit(ctx, b.Payload, events, s.CommitOnFinalize)
}

func needsEmbedding(event indexer.DocumentEvent) bool {
	return event.Type != indexer.EventDelete && event.Document != nil && event.FilterFieldUpdates == nil
}

// bundle groups the texts that need new vectors by model, deduplicated and
// split so that no bundle spans more than MaxBundleDocuments documents.
func (s *EmbedStrategy) bundle(events []indexer.DocumentEvent, fields []indexer.EmbedField, models map[string]embedding.Model) []*textBundle {
	maxDocs := s.MaxBundleDocuments
	if maxDocs <= 0 {
		maxDocs = 1000
	}

	var bundles []*textBundle
	current := make(map[string]*textBundle)
	for _, event := range events {
		if !needsEmbedding(event) {
			continue
		}
		touched := make(map[string]bool)
		for _, field := range fields {
			text, ok := textAt(event, field.Path)
			if !ok {
				continue
			}
			if _, reusable := event.Embedding(field.Path, text); reusable {
				continue
			}

			model := models[field.Path]
			bundle := current[model.Name]
			if bundle == nil || (!touched[model.Name] && bundle.documents >= maxDocs) {
				bundle = &textBundle{model: model, seen: make(map[string]struct{})}
				current[model.Name] = bundle
				bundles = append(bundles, bundle)
			}
			if !touched[model.Name] {
				touched[model.Name] = true
				bundle.documents++
			}
			bundle.add(text)
		}
	}
	return bundles
}

// embed runs one provider request per bundle and returns the vectors by
// model name and text. Texts the provider could not embed are left out.
func (s *EmbedStrategy) embed(ctx context.Context, bundles []*textBundle, tier embedding.Tier) (map[string]map[string][]float32, error) {
	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var mu sync.Mutex
	vectors := make(map[string]map[string][]float32)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, bundle := range bundles {
		g.Go(func() error {
			results, err := s.Provider.Embed(gctx, bundle.texts, bundle.model, tier)
			if err != nil {
				return err
			}
			if len(results) != len(bundle.texts) {
				return &searchsync.EmbeddingError{Err: fmt.Errorf(
					"provider returned %d results for %d texts", len(results), len(bundle.texts))}
			}
			if s.Collector != nil {
				s.Collector.AddEmbeddedTexts(bundle.model.Name, string(tier), len(bundle.texts))
			}

			mu.Lock()
			defer mu.Unlock()
			byText := vectors[bundle.model.Name]
			if byText == nil {
				byText = make(map[string][]float32, len(results))
				vectors[bundle.model.Name] = byText
			}
			for i, result := range results {
				if result.Err != nil {
					if s.Logger != nil {
						s.Logger.Error(ctx, "failed to embed text", "model", bundle.model.Name, "error", result.Err)
					}
					if s.Collector != nil {
						s.Collector.IncEmbeddingFailures(bundle.model.Name)
					}
					continue
				}
				byText[bundle.texts[i]] = result.Vector
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// applyVectors stores the vectors for event's embedded fields. Unless the
// index is a materialized view, the text in the document is replaced by
// its vector as well.
func applyVectors(event indexer.DocumentEvent, def indexer.Definition, models map[string]embedding.Model, vectors map[string]map[string][]float32) indexer.DocumentEvent {
	if !needsEmbedding(event) {
		return event
	}

	found := make(map[string]map[string][]float32)
	for _, field := range def.EmbedFields {
		text, ok := textAt(event, field.Path)
		if !ok {
			continue
		}
		vector, ok := event.Embedding(field.Path, text)
		if !ok {
			vector, ok = vectors[models[field.Path].Name][text]
		}
		if !ok {
			continue
		}
		found[field.Path] = map[string][]float32{text: vector}
		if !def.MaterializedView {
			event = event.WithField(field.Path, vector)
		}
	}
	if len(found) == 0 {
		return event
	}
	return event.WithEmbeddings(found)
}

func textAt(event indexer.DocumentEvent, path string) (string, bool) {
	v, ok := event.Lookup(path)
	if !ok {
		return "", false
	}
	text, ok := v.(string)
	return text, ok
}

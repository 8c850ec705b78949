package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// Embedder turns text into embedding vectors. Implementations wrap whatever
// embedding backend the deployment has available.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// collectionName is the single per-run knowledge collection.
const collectionName = "loom_knowledge"

// ChromemIndex is an Index backed by an embedded chromem-go database
// persisted under the run directory.
type ChromemIndex struct {
	db       *chromem.DB
	embedder Embedder
	logger   *zap.Logger
}

// NewChromemIndex opens (or creates) the persistent index under runDir.
func NewChromemIndex(runDir string, embedder Embedder, logger *zap.Logger) (*ChromemIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(runDir, "knowledge_index")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db: %w", err)
	}
	return &ChromemIndex{db: db, embedder: embedder, logger: logger}, nil
}

func (c *ChromemIndex) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return c.embedder.EmbedQuery(ctx, text)
	}
}

// Add embeds and indexes docs in one batch.
func (c *ChromemIndex) Add(ctx context.Context, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	collection, err := c.db.GetOrCreateCollection(collectionName, nil, c.embeddingFunc())
	if err != nil {
		return fmt.Errorf("getting collection: %w", err)
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	embeddings, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding documents: %w", err)
	}
	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Meta,
			Embedding: embeddings[i],
		}
	}
	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}
	c.logger.Debug("indexed knowledge docs", zap.Int("count", len(docs)))
	return nil
}

// Query runs a similarity search, capping k at the collection size as chromem
// requires.
func (c *ChromemIndex) Query(ctx context.Context, query string, k int) ([]Hit, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = 5
	}
	collection := c.db.GetCollection(collectionName, c.embeddingFunc())
	if collection == nil {
		return nil, nil
	}
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	results, err := collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			Doc:   Doc{ID: r.ID, Content: r.Content, Meta: r.Metadata},
			Score: r.Similarity,
		}
	}
	return hits, nil
}

package milvus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/kbgateway/backend/pkg/logger"
)

var ErrCollectionMissing = errors.New("collection does not exist")

// Client adapts Milvus to the gateway's tenant-scoped knowledge bases.
// Every tenant+embedding-model pair gets its own collection; writes to
// one collection are serialized so concurrent batch uploads cannot race
// on the delete-then-insert upsert.
type Client struct {
	client    client.Client
	vectorDim int

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	ensured map[string]bool
}

type Chunk struct {
	ID        string
	Embedding []float32
	Text      string
	Source    string
	Seq       int64
	CreatedAt time.Time
}

type SearchResult struct {
	ChunkID string
	Text    string
	Source  string
	Score   float32
}

type UpsertResult struct {
	Upserted int
}

func NewClient(endpoint, apiKey string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(context.Background(), client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.Int("vector_dim", vectorDim),
	)

	return &Client{
		client:    c,
		vectorDim: vectorDim,
		locks:     make(map[string]*sync.Mutex),
		ensured:   make(map[string]bool),
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) collectionLock(collection string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		m.locks[collection] = l
	}
	return l
}

// EnsureCollection creates, indexes and loads a tenant collection if it
// does not exist yet. Idempotent.
func (m *Client) EnsureCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	done := m.ensured[collection]
	m.mu.Unlock()
	if done {
		return nil
	}

	lock := m.collectionLock(collection)
	lock.Lock()
	defer lock.Unlock()

	has, err := m.client.HasCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		schema := &entity.Schema{
			CollectionName: collection,
			Description:    "knowledge base chunk embeddings",
			Fields: []*entity.Field{
				{
					Name:       "chunk_id",
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					AutoID:     false,
					TypeParams: map[string]string{"max_length": "64"},
				},
				{
					Name:     "embedding",
					DataType: entity.FieldTypeFloatVector,
					TypeParams: map[string]string{
						"dim": fmt.Sprintf("%d", m.vectorDim),
					},
				},
				{
					Name:       "text",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "8192"},
				},
				{
					Name:       "source",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "512"},
				},
				{
					Name:     "seq",
					DataType: entity.FieldTypeInt64,
				},
				{
					Name:     "created_at",
					DataType: entity.FieldTypeInt64,
				},
			},
		}

		err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
		if err != nil {
			return fmt.Errorf("failed to build index definition: %w", err)
		}
		err = m.client.CreateIndex(ctx, collection, "embedding", idx, false)
		if err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}

		logger.Info("Collection created", zap.String("collection", collection))
	}

	err = m.client.LoadCollection(ctx, collection, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	m.mu.Lock()
	m.ensured[collection] = true
	m.mu.Unlock()

	return nil
}

// Upsert inserts chunks, replacing any existing rows with the same
// chunk identity. Re-ingesting an unchanged source leaves the row count
// unchanged.
func (m *Client) Upsert(ctx context.Context, collection string, chunks []Chunk) (UpsertResult, error) {
	if len(chunks) == 0 {
		return UpsertResult{}, nil
	}

	if err := m.EnsureCollection(ctx, collection); err != nil {
		return UpsertResult{}, err
	}

	lock := m.collectionLock(collection)
	lock.Lock()
	defer lock.Unlock()

	ids := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	texts := make([]string, len(chunks))
	sources := make([]string, len(chunks))
	seqs := make([]int64, len(chunks))
	timestamps := make([]int64, len(chunks))

	for i, chunk := range chunks {
		ids[i] = chunk.ID
		embeddings[i] = chunk.Embedding
		texts[i] = chunk.Text
		sources[i] = chunk.Source
		seqs[i] = chunk.Seq
		timestamps[i] = chunk.CreatedAt.Unix()
	}

	err := m.client.Delete(ctx, collection, "", idInExpr(ids))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to delete existing chunks: %w", err)
	}

	_, err = m.client.Insert(
		ctx,
		collection,
		"",
		entity.NewColumnVarChar("chunk_id", ids),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("source", sources),
		entity.NewColumnInt64("seq", seqs),
		entity.NewColumnInt64("created_at", timestamps),
	)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to insert chunks: %w", err)
	}

	err = m.client.Flush(ctx, collection, false)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks upserted",
		zap.String("collection", collection),
		zap.Int("count", len(chunks)),
	)

	return UpsertResult{Upserted: len(chunks)}, nil
}

func (m *Client) Search(ctx context.Context, collection string, queryEmbedding []float32, topK int) ([]SearchResult, error) {
	has, err := m.client.HasCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		// Empty knowledge base, not an error: the caller still answers.
		return nil, nil
	}

	if err := m.EnsureCollection(ctx, collection); err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		collection,
		[]string{},
		"",
		[]string{"chunk_id", "text", "source"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		textCol := sr.Fields.GetColumn("text")
		sourceCol := sr.Fields.GetColumn("source")

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.Get(i)
			text, _ := textCol.Get(i)
			source, _ := sourceCol.Get(i)

			results = append(results, SearchResult{
				ChunkID: chunkID.(string),
				Text:    text.(string),
				Source:  source.(string),
				Score:   sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("collection", collection),
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// Clear drops a tenant's collection. The bool reports whether the
// collection existed; a missing collection is not an error.
func (m *Client) Clear(ctx context.Context, collection string) (bool, error) {
	lock := m.collectionLock(collection)
	lock.Lock()
	defer lock.Unlock()

	has, err := m.client.HasCollection(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return false, nil
	}

	if err := m.client.DropCollection(ctx, collection); err != nil {
		return true, fmt.Errorf("failed to drop collection: %w", err)
	}

	m.mu.Lock()
	delete(m.ensured, collection)
	m.mu.Unlock()

	logger.Info("Collection cleared", zap.String("collection", collection))
	return true, nil
}

// ListSources returns the distinct source names present in a collection.
func (m *Client) ListSources(ctx context.Context, collection string) ([]string, error) {
	has, err := m.client.HasCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return nil, ErrCollectionMissing
	}

	if err := m.EnsureCollection(ctx, collection); err != nil {
		return nil, err
	}

	rs, err := m.client.Query(
		ctx,
		collection,
		[]string{},
		`chunk_id != ""`,
		[]string{"source"},
		client.WithLimit(16384),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}

	return distinctSources(rs), nil
}

// DeleteSource removes every chunk belonging to one source.
func (m *Client) DeleteSource(ctx context.Context, collection, source string) error {
	has, err := m.client.HasCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		return ErrCollectionMissing
	}

	lock := m.collectionLock(collection)
	lock.Lock()
	defer lock.Unlock()

	expr := fmt.Sprintf(`source == "%s"`, escapeExprString(source))
	if err := m.client.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("failed to delete source rows: %w", err)
	}

	logger.Info("Source rows deleted",
		zap.String("collection", collection),
		zap.String("source", source),
	)
	return nil
}

func distinctSources(rs client.ResultSet) []string {
	seen := make(map[string]bool)
	names := make([]string, 0)

	for _, col := range rs {
		if col.Name() != "source" {
			continue
		}
		for i := 0; i < col.Len(); i++ {
			v, err := col.Get(i)
			if err != nil {
				continue
			}
			s, ok := v.(string)
			if !ok || seen[s] {
				continue
			}
			seen[s] = true
			names = append(names, s)
		}
	}

	return names
}

func idInExpr(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = `"` + escapeExprString(id) + `"`
	}
	return fmt.Sprintf("chunk_id in [%s]", strings.Join(quoted, ", "))
}

func escapeExprString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

package ingest

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kbgateway/backend/internal/metrics"
	"github.com/kbgateway/backend/internal/storage/models"
	"github.com/kbgateway/backend/internal/tenant"
	"github.com/kbgateway/backend/internal/vector/milvus"
	"github.com/kbgateway/backend/pkg/logger"
)

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorStore interface {
	Upsert(ctx context.Context, collection string, chunks []milvus.Chunk) (milvus.UpsertResult, error)
}

type Inventory interface {
	UpsertSource(src *models.Source) error
}

const (
	StatusIndexed = "indexed"
	StatusFailed  = "failed"
)

// FileResult reports one file's fate within a batch. Failures are soft:
// they never abort the other files.
type FileResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Chunks int    `json:"chunks,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Processor stages uploaded artifacts, partitions them into chunks and
// upserts the chunks into the tenant's collection.
type Processor struct {
	vector    VectorStore
	embedder  Embedder
	inventory Inventory
	crawler   *Crawler
	uploadDir string
}

func NewProcessor(vector VectorStore, embedder Embedder, inventory Inventory, crawler *Crawler, uploadDir string) *Processor {
	return &Processor{
		vector:    vector,
		embedder:  embedder,
		inventory: inventory,
		crawler:   crawler,
		uploadDir: uploadDir,
	}
}

// StagingDir is where a tenant's raw uploads live on disk.
func (p *Processor) StagingDir(tenantKey string) string {
	return filepath.Join(p.uploadDir, tenant.NormalizeKey(tenantKey))
}

// StagedFilePath returns the on-disk path of a previously staged
// source. The name is flattened so it cannot escape the staging dir.
func (p *Processor) StagedFilePath(tenantKey, name string) string {
	return filepath.Join(p.StagingDir(tenantKey), filepath.Base(name))
}

// RemoveStaging deletes a tenant's staged files.
func (p *Processor) RemoveStaging(tenantKey string) error {
	return os.RemoveAll(p.StagingDir(tenantKey))
}

// RemoveStagedFile deletes one staged source.
func (p *Processor) RemoveStagedFile(tenantKey, name string) error {
	err := os.Remove(p.StagedFilePath(tenantKey, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IngestBatch processes every file concurrently and joins before
// returning, so the response reflects the whole batch. Results keep the
// input order.
func (p *Processor) IngestBatch(ctx context.Context, cfg tenant.Config, files []*multipart.FileHeader) []FileResult {
	results := make([]FileResult, len(files))

	var wg sync.WaitGroup
	for i, fh := range files {
		wg.Add(1)
		go func(i int, fh *multipart.FileHeader) {
			defer wg.Done()
			results[i] = p.IngestFile(ctx, cfg, fh)
		}(i, fh)
	}
	wg.Wait()

	return results
}

// IngestFile stages and indexes one uploaded file. All failures are
// reported in the result, never raised.
func (p *Processor) IngestFile(ctx context.Context, cfg tenant.Config, fh *multipart.FileHeader) FileResult {
	name := filepath.Base(fh.Filename)
	start := time.Now()

	result := func(err error, chunks int) FileResult {
		if err != nil {
			metrics.IngestTotal.WithLabelValues(StatusFailed).Inc()
			logger.Error("File ingestion failed",
				zap.String("tenant", cfg.TenantKey),
				zap.String("file", name),
				zap.Error(err),
			)
			return FileResult{Name: name, Status: StatusFailed, Error: err.Error()}
		}
		metrics.IngestTotal.WithLabelValues(StatusIndexed).Inc()
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
		metrics.ChunksIndexed.Add(float64(chunks))
		return FileResult{Name: name, Status: StatusIndexed, Chunks: chunks}
	}

	format, err := DetectFormat(name)
	if err != nil {
		return result(err, 0)
	}

	path, err := p.stageUpload(cfg.TenantKey, name, fh)
	if err != nil {
		return result(fmt.Errorf("failed to stage file: %w", err), 0)
	}

	text, err := extractText(path, format)
	if err != nil {
		return result(err, 0)
	}

	pieces := SplitText(text, format.ChunkSize())
	if len(pieces) == 0 {
		return result(fmt.Errorf("%w from %s", ErrNoContentExtracted, name), 0)
	}

	count, err := p.index(ctx, cfg, name, format, pieces)
	return result(err, count)
}

// IngestURL crawls a page (bounded), stages the extracted text and
// indexes it under a name derived from the URL.
func (p *Processor) IngestURL(ctx context.Context, cfg tenant.Config, rawURL string) FileResult {
	name := SourceNameForURL(rawURL)
	start := time.Now()

	pages, err := p.crawler.Crawl(ctx, rawURL)
	if err != nil {
		metrics.IngestTotal.WithLabelValues(StatusFailed).Inc()
		return FileResult{Name: name, Status: StatusFailed, Error: err.Error()}
	}

	var pieces []string
	var staged string
	for _, page := range pages {
		staged += page.Text + "\n\n"
		pieces = append(pieces, SplitText(page.Text, FormatWeb.ChunkSize())...)
	}

	if len(pieces) == 0 {
		metrics.IngestTotal.WithLabelValues(StatusFailed).Inc()
		return FileResult{Name: name, Status: StatusFailed, Error: ErrNoContentExtracted.Error()}
	}

	if err := p.stageText(cfg.TenantKey, name, staged); err != nil {
		// Staging is a convenience copy; indexing still proceeds.
		logger.Warn("Failed to stage crawled text",
			zap.String("url", rawURL),
			zap.Error(err),
		)
	}

	count, err := p.index(ctx, cfg, name, FormatWeb, pieces)
	if err != nil {
		metrics.IngestTotal.WithLabelValues(StatusFailed).Inc()
		return FileResult{Name: name, Status: StatusFailed, Error: err.Error()}
	}

	metrics.IngestTotal.WithLabelValues(StatusIndexed).Inc()
	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	metrics.ChunksIndexed.Add(float64(count))
	return FileResult{Name: name, Status: StatusIndexed, Chunks: count}
}

func (p *Processor) index(ctx context.Context, cfg tenant.Config, source string, format Format, pieces []string) (int, error) {
	chunks := buildChunks(source, pieces)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
	}

	if _, err := p.vector.Upsert(ctx, cfg.Collection, chunks); err != nil {
		return 0, fmt.Errorf("failed to upsert chunks: %w", err)
	}

	err = p.inventory.UpsertSource(&models.Source{
		TenantKey:  cfg.TenantKey,
		Name:       source,
		Format:     format.String(),
		ChunkCount: len(chunks),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		// The chunks are indexed; a stale inventory row is logged, not
		// rolled back.
		logger.Error("Failed to record source in inventory",
			zap.String("tenant", cfg.TenantKey),
			zap.String("source", source),
			zap.Error(err),
		)
	}

	logger.Info("Source indexed",
		zap.String("tenant", cfg.TenantKey),
		zap.String("source", source),
		zap.String("format", format.String()),
		zap.Int("chunks", len(chunks)),
	)

	return len(chunks), nil
}

func (p *Processor) stageUpload(tenantKey, name string, fh *multipart.FileHeader) (string, error) {
	dir := p.StagingDir(tenantKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	path := filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}

	return path, nil
}

func (p *Processor) stageText(tenantKey, name, text string) error {
	dir := p.StagingDir(tenantKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, filepath.Base(name)), []byte(text), 0o644)
}

package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kbgateway/backend/internal/llm"
	"github.com/kbgateway/backend/internal/metrics"
	"github.com/kbgateway/backend/internal/storage/models"
	"github.com/kbgateway/backend/internal/tenant"
	"github.com/kbgateway/backend/internal/vector/milvus"
	"github.com/kbgateway/backend/pkg/logger"
)

type TenantResolver interface {
	Resolve(tenantKey string) (tenant.Config, error)
}

type SessionResolver interface {
	ResolveRun(tenantKey string) (string, error)
}

type Retriever interface {
	Search(ctx context.Context, collection string, queryEmbedding []float32, topK int) ([]milvus.SearchResult, error)
}

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Completer interface {
	StreamCompletion(ctx context.Context, req llm.CompletionRequest) (*llm.FragmentStream, error)
}

type HistoryStore interface {
	RecentMessages(runID string, limit int) ([]models.Message, error)
	InsertMessage(msg *models.Message) error
}

// Orchestrator answers a tenant's question: resolve config and run,
// retrieve the most relevant chunks, replay bounded history and stream
// the selected backend's completion.
type Orchestrator struct {
	tenants         TenantResolver
	sessions        SessionResolver
	vector          Retriever
	embedder        QueryEmbedder
	backends        map[tenant.Backend]Completer
	history         HistoryStore
	topK            int
	historyMessages int
}

func NewOrchestrator(
	tenants TenantResolver,
	sessions SessionResolver,
	vector Retriever,
	embedder QueryEmbedder,
	backends map[tenant.Backend]Completer,
	history HistoryStore,
	topK int,
	historyMessages int,
) *Orchestrator {
	if topK <= 0 {
		topK = 2
	}
	if historyMessages <= 0 {
		historyMessages = 4
	}
	return &Orchestrator{
		tenants:         tenants,
		sessions:        sessions,
		vector:          vector,
		embedder:        embedder,
		backends:        backends,
		history:         history,
		topK:            topK,
		historyMessages: historyMessages,
	}
}

// Answer produces a lazily streamed answer. Run resolution happens
// before the backend call so the reply lands in the tenant's one
// canonical conversation.
func (o *Orchestrator) Answer(ctx context.Context, tenantKey, question string) (*AnswerStream, error) {
	start := time.Now()

	cfg, err := o.tenants.Resolve(tenantKey)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	runID, err := o.sessions.ResolveRun(cfg.TenantKey)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	references, err := o.retrieve(ctx, cfg, question)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	history, err := o.history.RecentMessages(runID, o.historyMessages)
	if err != nil {
		logger.Warn("Failed to load history, answering without it",
			zap.String("run_id", runID),
			zap.Error(err),
		)
		history = nil
	}

	backend, ok := o.backends[cfg.Backend]
	if !ok {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: no client for backend %q", tenant.ErrInvalidBackend, cfg.Backend)
	}

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt(),
		History:      toLLMMessages(history),
		UserPrompt:   userPrompt(references, question),
		Model:        cfg.Model,
	}

	stream, err := backend.StreamCompletion(ctx, req)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	logger.Info("Answer stream started",
		zap.String("tenant", cfg.TenantKey),
		zap.String("run_id", runID),
		zap.String("backend", string(cfg.Backend)),
		zap.Int("references", len(references)),
	)

	return NewAnswerStream(cfg.TenantKey, runID, stream, func(answer string) {
		o.recordTurn(runID, question, answer)
		metrics.QueryTotal.WithLabelValues("ok").Inc()
		metrics.QueryDuration.Observe(time.Since(start).Seconds())
	}), nil
}

// retrieve fetches the top-K chunks. An empty or missing collection is
// not an error and the answer is attempted without supporting context,
// but an embedding or vector-store failure aborts the question.
func (o *Orchestrator) retrieve(ctx context.Context, cfg tenant.Config, question string) ([]milvus.SearchResult, error) {
	embedding, err := o.embedder.Embed(ctx, question)
	if err != nil {
		logger.Error("Failed to embed question",
			zap.String("tenant", cfg.TenantKey),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	results, err := o.vector.Search(ctx, cfg.Collection, embedding, o.topK)
	if err != nil {
		logger.Error("Vector retrieval failed",
			zap.String("tenant", cfg.TenantKey),
			zap.Error(err),
		)
		return nil, fmt.Errorf("vector retrieval failed: %w", err)
	}

	return results, nil
}

func (o *Orchestrator) recordTurn(runID, question, answer string) {
	now := time.Now()
	err := o.history.InsertMessage(&models.Message{
		RunID:     runID,
		Role:      "user",
		Content:   question,
		CreatedAt: now,
	})
	if err != nil {
		logger.Error("Failed to record user message", zap.String("run_id", runID), zap.Error(err))
		return
	}

	err = o.history.InsertMessage(&models.Message{
		RunID:     runID,
		Role:      "assistant",
		Content:   answer,
		CreatedAt: now,
	})
	if err != nil {
		logger.Error("Failed to record assistant message", zap.String("run_id", runID), zap.Error(err))
	}
}

func systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are an AI called 'Trainer Assistant'. Your task is to answer questions using the provided information, focusing on clear explanations.\n\n")
	b.WriteString("Instructions:\n")
	b.WriteString("- When the user asks a question, you will be provided with information relevant to it.\n")
	b.WriteString("- Carefully read the provided information and give an accurate and brief answer.\n")
	b.WriteString("- Do not start responses with greetings or repeat the user's question.\n")
	b.WriteString("- Format your answers in markdown.\n\n")
	b.WriteString("Current time: " + time.Now().Format(time.RFC1123))
	return b.String()
}

func userPrompt(references []milvus.SearchResult, question string) string {
	var b strings.Builder

	if len(references) == 0 {
		b.WriteString("No supporting information was found in the knowledge base. Answer from general knowledge and note that the knowledge base had no relevant content.\n\n")
	} else {
		b.WriteString("Use the following information from the knowledge base:\n")
		for i, ref := range references {
			b.WriteString(fmt.Sprintf("\n[%d] (source: %s)\n%s\n", i+1, ref.Source, ref.Text))
		}
		b.WriteString("\n")
	}

	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

func toLLMMessages(history []models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/kbgateway/backend/internal/llm"
	"github.com/kbgateway/backend/internal/storage/models"
	"github.com/kbgateway/backend/internal/tenant"
	"github.com/kbgateway/backend/internal/vector/milvus"
)

type MockTenantResolver struct {
	mock.Mock
}

func (m *MockTenantResolver) Resolve(tenantKey string) (tenant.Config, error) {
	args := m.Called(tenantKey)
	return args.Get(0).(tenant.Config), args.Error(1)
}

type MockSessionResolver struct {
	mock.Mock
}

func (m *MockSessionResolver) ResolveRun(tenantKey string) (string, error) {
	args := m.Called(tenantKey)
	return args.String(0), args.Error(1)
}

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Search(ctx context.Context, collection string, queryEmbedding []float32, topK int) ([]milvus.SearchResult, error) {
	args := m.Called(ctx, collection, queryEmbedding, topK)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]milvus.SearchResult), args.Error(1)
}

type MockQueryEmbedder struct {
	mock.Mock
}

func (m *MockQueryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (*llm.FragmentStream, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.FragmentStream), args.Error(1)
}

type MockHistoryStore struct {
	mock.Mock
}

func (m *MockHistoryStore) RecentMessages(runID string, limit int) ([]models.Message, error) {
	args := m.Called(runID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockHistoryStore) InsertMessage(msg *models.Message) error {
	args := m.Called(msg)
	return args.Error(0)
}

type orchestratorMocks struct {
	tenants  *MockTenantResolver
	sessions *MockSessionResolver
	vector   *MockRetriever
	embedder *MockQueryEmbedder
	backend  *MockCompleter
	history  *MockHistoryStore
}

func setupOrchestrator(t *testing.T) (*Orchestrator, *orchestratorMocks) {
	m := &orchestratorMocks{
		tenants:  new(MockTenantResolver),
		sessions: new(MockSessionResolver),
		vector:   new(MockRetriever),
		embedder: new(MockQueryEmbedder),
		backend:  new(MockCompleter),
		history:  new(MockHistoryStore),
	}

	orchestrator := NewOrchestrator(
		m.tenants,
		m.sessions,
		m.vector,
		m.embedder,
		map[tenant.Backend]Completer{tenant.BackendGroq: m.backend},
		m.history,
		2,
		4,
	)

	return orchestrator, m
}

func acmeConfig() tenant.Config {
	return tenant.Config{
		TenantKey:      "acme",
		Backend:        tenant.BackendGroq,
		Model:          "llama3-70b-8192",
		EmbeddingModel: "text-embedding-3-large",
		Collection:     "rag_documents_text_embedding_3_large_acme",
	}
}

func TestAnswer_HappyPath(t *testing.T) {
	orchestrator, m := setupOrchestrator(t)

	m.tenants.On("Resolve", "acme").Return(acmeConfig(), nil)
	m.sessions.On("ResolveRun", "acme").Return("run-1", nil)
	m.embedder.On("Embed", mock.Anything, "What is onboarding?").
		Return([]float32{0.1, 0.2}, nil)
	m.vector.On("Search", mock.Anything, "rag_documents_text_embedding_3_large_acme", []float32{0.1, 0.2}, 2).
		Return([]milvus.SearchResult{
			{ChunkID: "c1", Text: "Onboarding takes two weeks.", Source: "handbook.pdf", Score: 0.9},
		}, nil)
	m.history.On("RecentMessages", "run-1", 4).Return([]models.Message{}, nil)
	m.backend.On("StreamCompletion", mock.Anything, mock.Anything).
		Return(finishedStream(nil, "Two ", "weeks."), nil)
	m.history.On("InsertMessage", mock.Anything).Return(nil)

	stream, err := orchestrator.Answer(context.Background(), "acme", "What is onboarding?")
	assert.NoError(t, err)
	assert.Equal(t, "acme", stream.TenantKey)
	assert.Equal(t, "run-1", stream.RunID)

	content, err := stream.Collect()
	assert.NoError(t, err)
	assert.Equal(t, "Two weeks.", content)

	// One user and one assistant message per drained stream.
	m.history.AssertNumberOfCalls(t, "InsertMessage", 2)

	req := m.backend.Calls[0].Arguments.Get(1).(llm.CompletionRequest)
	assert.Equal(t, "llama3-70b-8192", req.Model)
	assert.Contains(t, req.UserPrompt, "handbook.pdf")
	assert.Contains(t, req.UserPrompt, "Onboarding takes two weeks.")
	assert.Contains(t, req.UserPrompt, "Question: What is onboarding?")
}

func TestAnswer_EmptyRetrievalStillAnswers(t *testing.T) {
	orchestrator, m := setupOrchestrator(t)

	m.tenants.On("Resolve", "acme").Return(acmeConfig(), nil)
	m.sessions.On("ResolveRun", "acme").Return("run-1", nil)
	m.embedder.On("Embed", mock.Anything, mock.Anything).
		Return([]float32{0.1}, nil)
	// A missing collection reports no results, not an error.
	m.vector.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, nil)
	m.history.On("RecentMessages", "run-1", 4).Return([]models.Message{}, nil)
	m.backend.On("StreamCompletion", mock.Anything, mock.Anything).
		Return(finishedStream(nil, "Answer."), nil)
	m.history.On("InsertMessage", mock.Anything).Return(nil)

	stream, err := orchestrator.Answer(context.Background(), "acme", "Anything?")
	assert.NoError(t, err)

	_, err = stream.Collect()
	assert.NoError(t, err)

	req := m.backend.Calls[0].Arguments.Get(1).(llm.CompletionRequest)
	assert.Contains(t, req.UserPrompt, "No supporting information was found")
}

func TestAnswer_SearchFailureAborts(t *testing.T) {
	orchestrator, m := setupOrchestrator(t)

	m.tenants.On("Resolve", "acme").Return(acmeConfig(), nil)
	m.sessions.On("ResolveRun", "acme").Return("run-1", nil)
	m.embedder.On("Embed", mock.Anything, mock.Anything).
		Return([]float32{0.1}, nil)
	m.vector.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("milvus connection refused"))

	stream, err := orchestrator.Answer(context.Background(), "acme", "Anything?")
	assert.Error(t, err)
	assert.Nil(t, stream)

	m.backend.AssertNotCalled(t, "StreamCompletion", mock.Anything, mock.Anything)
}

func TestAnswer_EmbedFailureAborts(t *testing.T) {
	orchestrator, m := setupOrchestrator(t)

	m.tenants.On("Resolve", "acme").Return(acmeConfig(), nil)
	m.sessions.On("ResolveRun", "acme").Return("run-1", nil)
	m.embedder.On("Embed", mock.Anything, mock.Anything).
		Return(nil, errors.New("openai down"))

	stream, err := orchestrator.Answer(context.Background(), "acme", "Anything?")
	assert.Error(t, err)
	assert.Nil(t, stream)

	m.vector.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	m.backend.AssertNotCalled(t, "StreamCompletion", mock.Anything, mock.Anything)
}

func TestAnswer_HistoryReplayed(t *testing.T) {
	orchestrator, m := setupOrchestrator(t)

	m.tenants.On("Resolve", "acme").Return(acmeConfig(), nil)
	m.sessions.On("ResolveRun", "acme").Return("run-1", nil)
	m.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.1}, nil)
	m.vector.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]milvus.SearchResult{}, nil)
	m.history.On("RecentMessages", "run-1", 4).Return([]models.Message{
		{Role: "user", Content: "Earlier question"},
		{Role: "assistant", Content: "Earlier answer"},
	}, nil)
	m.backend.On("StreamCompletion", mock.Anything, mock.Anything).
		Return(finishedStream(nil, "ok"), nil)
	m.history.On("InsertMessage", mock.Anything).Return(nil)

	_, err := orchestrator.Answer(context.Background(), "acme", "Follow-up?")
	assert.NoError(t, err)

	req := m.backend.Calls[0].Arguments.Get(1).(llm.CompletionRequest)
	assert.Len(t, req.History, 2)
	assert.Equal(t, "user", req.History[0].Role)
	assert.Equal(t, "Earlier question", req.History[0].Content)
}

func TestAnswer_HistoryFailureStillAnswers(t *testing.T) {
	orchestrator, m := setupOrchestrator(t)

	m.tenants.On("Resolve", "acme").Return(acmeConfig(), nil)
	m.sessions.On("ResolveRun", "acme").Return("run-1", nil)
	m.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.1}, nil)
	m.vector.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]milvus.SearchResult{}, nil)
	m.history.On("RecentMessages", "run-1", 4).Return(nil, errors.New("db locked"))
	m.backend.On("StreamCompletion", mock.Anything, mock.Anything).
		Return(finishedStream(nil, "ok"), nil)
	m.history.On("InsertMessage", mock.Anything).Return(nil)

	_, err := orchestrator.Answer(context.Background(), "acme", "Anything?")
	assert.NoError(t, err)

	req := m.backend.Calls[0].Arguments.Get(1).(llm.CompletionRequest)
	assert.Empty(t, req.History)
}

func TestAnswer_UnknownBackend(t *testing.T) {
	orchestrator, m := setupOrchestrator(t)

	cfg := acmeConfig()
	cfg.Backend = tenant.BackendOpenAI // no client registered for it

	m.tenants.On("Resolve", "acme").Return(cfg, nil)
	m.sessions.On("ResolveRun", "acme").Return("run-1", nil)
	m.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.1}, nil)
	m.vector.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]milvus.SearchResult{}, nil)
	m.history.On("RecentMessages", "run-1", 4).Return([]models.Message{}, nil)

	_, err := orchestrator.Answer(context.Background(), "acme", "Anything?")
	assert.ErrorIs(t, err, tenant.ErrInvalidBackend)
}

func TestAnswer_ResolveError(t *testing.T) {
	orchestrator, m := setupOrchestrator(t)

	m.tenants.On("Resolve", "acme").Return(tenant.Config{}, errors.New("db locked"))

	_, err := orchestrator.Answer(context.Background(), "acme", "Anything?")
	assert.Error(t, err)
}

func TestAnswer_StreamErrorRecordsNothing(t *testing.T) {
	orchestrator, m := setupOrchestrator(t)

	m.tenants.On("Resolve", "acme").Return(acmeConfig(), nil)
	m.sessions.On("ResolveRun", "acme").Return("run-1", nil)
	m.embedder.On("Embed", mock.Anything, mock.Anything).Return([]float32{0.1}, nil)
	m.vector.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]milvus.SearchResult{}, nil)
	m.history.On("RecentMessages", "run-1", 4).Return([]models.Message{}, nil)
	m.backend.On("StreamCompletion", mock.Anything, mock.Anything).
		Return(finishedStream(errors.New("backend gone"), "partial"), nil)

	stream, err := orchestrator.Answer(context.Background(), "acme", "Anything?")
	assert.NoError(t, err)

	_, err = stream.Collect()
	assert.Error(t, err)

	m.history.AssertNotCalled(t, "InsertMessage", mock.Anything)
}

func TestUserPrompt_References(t *testing.T) {
	prompt := userPrompt([]milvus.SearchResult{
		{Text: "Chunk one.", Source: "a.pdf"},
		{Text: "Chunk two.", Source: "b.txt"},
	}, "What?")

	assert.Contains(t, prompt, "[1] (source: a.pdf)")
	assert.Contains(t, prompt, "[2] (source: b.txt)")
	assert.Contains(t, prompt, "Chunk one.")
	assert.Contains(t, prompt, "Question: What?")
}

func TestUserPrompt_NoReferences(t *testing.T) {
	prompt := userPrompt(nil, "What?")

	assert.Contains(t, prompt, "No supporting information was found")
	assert.Contains(t, prompt, "Question: What?")
}

package tenant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/kbgateway/backend/internal/storage/models"
)

type MockConfigStore struct {
	mock.Mock
}

func (m *MockConfigStore) GetTenantConfig(tenantKey string) (*models.TenantConfig, error) {
	args := m.Called(tenantKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantConfig), args.Error(1)
}

func (m *MockConfigStore) UpsertTenantConfig(cfg *models.TenantConfig) error {
	args := m.Called(cfg)
	return args.Error(0)
}

func testDefaults() Defaults {
	return Defaults{
		Backend:        BackendGroq,
		GroqModel:      "llama3-70b-8192",
		OpenAIModel:    "gpt-4-turbo",
		EmbeddingModel: "text-embedding-3-large",
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, DefaultTenant, NormalizeKey(""))
	assert.Equal(t, "acme", NormalizeKey("acme"))
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Backend
		expectError bool
	}{
		{name: "groq", input: "groq", expected: BackendGroq},
		{name: "openai", input: "openai", expected: BackendOpenAI},
		{name: "unknown", input: "anthropic", expectError: true},
		{name: "empty", input: "", expectError: true},
		{name: "case sensitive", input: "Groq", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := ParseBackend(tt.input)
			if tt.expectError {
				assert.ErrorIs(t, err, ErrInvalidBackend)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, backend)
			}
		})
	}
}

func TestResolve_Defaults(t *testing.T) {
	store := new(MockConfigStore)
	store.On("GetTenantConfig", "acme").Return(nil, nil)

	registry := NewRegistry(store, testDefaults())

	cfg, err := registry.Resolve("acme")
	assert.NoError(t, err)
	assert.Equal(t, "acme", cfg.TenantKey)
	assert.Equal(t, BackendGroq, cfg.Backend)
	assert.Equal(t, "llama3-70b-8192", cfg.Model)
	assert.Equal(t, "text-embedding-3-large", cfg.EmbeddingModel)
	assert.Equal(t, CollectionName("text-embedding-3-large", "acme"), cfg.Collection)
}

func TestResolve_EmptyKeyUsesDefaultTenant(t *testing.T) {
	store := new(MockConfigStore)
	store.On("GetTenantConfig", DefaultTenant).Return(nil, nil)

	registry := NewRegistry(store, testDefaults())

	cfg, err := registry.Resolve("")
	assert.NoError(t, err)
	assert.Equal(t, DefaultTenant, cfg.TenantKey)
}

func TestResolve_StoredSelectionWins(t *testing.T) {
	store := new(MockConfigStore)
	store.On("GetTenantConfig", "acme").Return(&models.TenantConfig{
		TenantKey:      "acme",
		Backend:        "openai",
		Model:          "gpt-4-turbo",
		EmbeddingModel: "text-embedding-3-large",
	}, nil)

	registry := NewRegistry(store, testDefaults())

	cfg, err := registry.Resolve("acme")
	assert.NoError(t, err)
	assert.Equal(t, BackendOpenAI, cfg.Backend)
	assert.Equal(t, "gpt-4-turbo", cfg.Model)
}

func TestResolve_Deterministic(t *testing.T) {
	store := new(MockConfigStore)
	store.On("GetTenantConfig", "acme").Return(&models.TenantConfig{
		TenantKey:      "acme",
		Backend:        "groq",
		Model:          "llama3-70b-8192",
		EmbeddingModel: "text-embedding-3-large",
	}, nil)

	registry := NewRegistry(store, testDefaults())

	first, err := registry.Resolve("acme")
	assert.NoError(t, err)
	second, err := registry.Resolve("acme")
	assert.NoError(t, err)
	assert.Equal(t, first, second)

	// Stored selections are cached after the first read.
	store.AssertNumberOfCalls(t, "GetTenantConfig", 1)
}

func TestResolve_StoreError(t *testing.T) {
	store := new(MockConfigStore)
	store.On("GetTenantConfig", "acme").Return(nil, errors.New("db locked"))

	registry := NewRegistry(store, testDefaults())

	_, err := registry.Resolve("acme")
	assert.Error(t, err)
}

func TestSelect_InvalidBackend(t *testing.T) {
	store := new(MockConfigStore)
	registry := NewRegistry(store, testDefaults())

	err := registry.Select("acme", "mistral", "mixtral-8x7b")
	assert.ErrorIs(t, err, ErrInvalidBackend)
	store.AssertNotCalled(t, "UpsertTenantConfig", mock.Anything)
}

func TestSelect_EmptyFieldsFallBackToDefaults(t *testing.T) {
	store := new(MockConfigStore)
	store.On("UpsertTenantConfig", mock.MatchedBy(func(cfg *models.TenantConfig) bool {
		return cfg.TenantKey == "acme" &&
			cfg.Backend == "groq" &&
			cfg.Model == "llama3-70b-8192" &&
			cfg.EmbeddingModel == "text-embedding-3-large"
	})).Return(nil)

	registry := NewRegistry(store, testDefaults())

	err := registry.Select("acme", "", "")
	assert.NoError(t, err)
	store.AssertExpectations(t)
}

func TestSelect_DefaultModelTracksBackend(t *testing.T) {
	store := new(MockConfigStore)
	store.On("UpsertTenantConfig", mock.MatchedBy(func(cfg *models.TenantConfig) bool {
		return cfg.Backend == "openai" && cfg.Model == "gpt-4-turbo"
	})).Return(nil)

	registry := NewRegistry(store, testDefaults())

	err := registry.Select("acme", "openai", "")
	assert.NoError(t, err)
	store.AssertExpectations(t)
}

func TestSelect_ThenResolveSeesSelection(t *testing.T) {
	store := new(MockConfigStore)
	store.On("UpsertTenantConfig", mock.Anything).Return(nil)

	registry := NewRegistry(store, testDefaults())

	err := registry.Select("acme", "openai", "gpt-4o")
	assert.NoError(t, err)

	cfg, err := registry.Resolve("acme")
	assert.NoError(t, err)
	assert.Equal(t, BackendOpenAI, cfg.Backend)
	assert.Equal(t, "gpt-4o", cfg.Model)

	// Selection was cached by Select; no store read needed.
	store.AssertNotCalled(t, "GetTenantConfig", mock.Anything)
}

func TestSelect_PersistFailureLeavesCacheUntouched(t *testing.T) {
	store := new(MockConfigStore)
	store.On("UpsertTenantConfig", mock.Anything).Return(errors.New("disk full"))
	store.On("GetTenantConfig", "acme").Return(nil, nil)

	registry := NewRegistry(store, testDefaults())

	err := registry.Select("acme", "openai", "gpt-4o")
	assert.Error(t, err)

	cfg, err := registry.Resolve("acme")
	assert.NoError(t, err)
	assert.Equal(t, BackendGroq, cfg.Backend)
}

func TestCollectionName(t *testing.T) {
	tests := []struct {
		name           string
		embeddingModel string
		tenantKey      string
		expected       string
	}{
		{
			name:           "plain key",
			embeddingModel: "text-embedding-3-large",
			tenantKey:      "acme",
			expected:       "rag_documents_text_embedding_3_large_acme",
		},
		{
			name:           "empty key falls back to default tenant",
			embeddingModel: "text-embedding-3-large",
			tenantKey:      "",
			expected:       "rag_documents_text_embedding_3_large_General_Domain",
		},
		{
			name:           "hostile key is sanitized",
			embeddingModel: "text-embedding-3-large",
			tenantKey:      `../etc; drop`,
			expected:       "rag_documents_text_embedding_3_large___etc__drop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CollectionName(tt.embeddingModel, tt.tenantKey))
		})
	}
}

func TestCollectionName_Pure(t *testing.T) {
	a := CollectionName("text-embedding-3-large", "acme")
	b := CollectionName("text-embedding-3-large", "acme")
	assert.Equal(t, a, b)
}

package tenant

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kbgateway/backend/internal/storage/models"
	"github.com/kbgateway/backend/pkg/logger"
)

var ErrInvalidBackend = errors.New("invalid backend")

// DefaultTenant is used when a request carries no kb_name.
const DefaultTenant = "General-Domain"

type Backend string

const (
	BackendGroq   Backend = "groq"
	BackendOpenAI Backend = "openai"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendGroq:
		return BackendGroq, nil
	case BackendOpenAI:
		return BackendOpenAI, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBackend, s)
	}
}

// Config is the fully resolved per-tenant configuration. Collection is
// derived, never stored.
type Config struct {
	TenantKey      string
	Backend        Backend
	Model          string
	EmbeddingModel string
	Collection     string
}

type Defaults struct {
	Backend        Backend
	GroqModel      string
	OpenAIModel    string
	EmbeddingModel string
}

type ConfigStore interface {
	GetTenantConfig(tenantKey string) (*models.TenantConfig, error)
	UpsertTenantConfig(cfg *models.TenantConfig) error
}

// Registry maps tenant keys to their selected backend, model and
// embedding space. Selections are durable; resolution without a stored
// selection falls back to process-wide defaults.
type Registry struct {
	store    ConfigStore
	defaults Defaults

	mu    sync.RWMutex
	cache map[string]*models.TenantConfig
}

func NewRegistry(store ConfigStore, defaults Defaults) *Registry {
	return &Registry{
		store:    store,
		defaults: defaults,
		cache:    make(map[string]*models.TenantConfig),
	}
}

// NormalizeKey maps empty keys onto the default tenant.
func NormalizeKey(tenantKey string) string {
	if tenantKey == "" {
		return DefaultTenant
	}
	return tenantKey
}

// Resolve returns the tenant's effective configuration. Repeated calls
// without an intervening Select are deterministic.
func (r *Registry) Resolve(tenantKey string) (Config, error) {
	key := NormalizeKey(tenantKey)

	r.mu.RLock()
	stored, cached := r.cache[key]
	r.mu.RUnlock()

	if !cached {
		var err error
		stored, err = r.store.GetTenantConfig(key)
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve tenant %q: %w", key, err)
		}
		if stored != nil {
			r.mu.Lock()
			r.cache[key] = stored
			r.mu.Unlock()
		}
	}

	cfg := Config{
		TenantKey:      key,
		Backend:        r.defaults.Backend,
		Model:          r.defaultModel(r.defaults.Backend),
		EmbeddingModel: r.defaults.EmbeddingModel,
	}

	if stored != nil {
		backend, err := ParseBackend(stored.Backend)
		if err != nil {
			return Config{}, fmt.Errorf("stored selection for tenant %q: %w", key, err)
		}
		cfg.Backend = backend
		cfg.Model = stored.Model
		cfg.EmbeddingModel = stored.EmbeddingModel
	}

	cfg.Collection = CollectionName(cfg.EmbeddingModel, key)
	return cfg, nil
}

// Select stores a backend+model choice for a tenant. Empty backend or
// model fall back to the process defaults; an unknown backend fails with
// ErrInvalidBackend and leaves the stored selection untouched.
func (r *Registry) Select(tenantKey, backendID, model string) error {
	key := NormalizeKey(tenantKey)

	backend := r.defaults.Backend
	if backendID != "" {
		var err error
		backend, err = ParseBackend(backendID)
		if err != nil {
			return err
		}
	}
	if model == "" {
		model = r.defaultModel(backend)
	}

	stored := &models.TenantConfig{
		TenantKey:      key,
		Backend:        string(backend),
		Model:          model,
		EmbeddingModel: r.defaults.EmbeddingModel,
		UpdatedAt:      time.Now(),
	}

	if err := r.store.UpsertTenantConfig(stored); err != nil {
		return fmt.Errorf("failed to persist selection for tenant %q: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = stored
	r.mu.Unlock()

	logger.Info("Model selected",
		zap.String("tenant", key),
		zap.String("backend", string(backend)),
		zap.String("model", model),
	)
	return nil
}

func (r *Registry) defaultModel(backend Backend) string {
	if backend == BackendOpenAI {
		return r.defaults.OpenAIModel
	}
	return r.defaults.GroqModel
}

package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kbgateway/backend/internal/storage/models"
	"github.com/kbgateway/backend/internal/tenant"
	"github.com/kbgateway/backend/pkg/logger"
)

type RunStore interface {
	ListRunIDs(tenantKey string) ([]string, error)
	InsertRun(run *models.Run) error
}

// Resolver maps a tenant to its canonical conversation run. The policy
// is deliberate: the *first* existing run always wins, so a tenant's
// successive questions extend one growing history instead of starting
// fresh contexts.
type Resolver struct {
	store RunStore
}

func NewResolver(store RunStore) *Resolver {
	return &Resolver{store: store}
}

// ResolveRun returns the tenant's durable run id, allocating one on
// first use. Existing candidates are never merged or deleted.
func (r *Resolver) ResolveRun(tenantKey string) (string, error) {
	key := tenant.NormalizeKey(tenantKey)

	runIDs, err := r.store.ListRunIDs(key)
	if err != nil {
		return "", fmt.Errorf("failed to list runs for tenant %q: %w", key, err)
	}

	if len(runIDs) > 0 {
		return runIDs[0], nil
	}

	run := &models.Run{
		RunID:     uuid.New().String(),
		TenantKey: key,
		CreatedAt: time.Now(),
	}

	if err := r.store.InsertRun(run); err != nil {
		// A concurrent request may have created the first run in the
		// window between list and insert; re-read before failing.
		runIDs, listErr := r.store.ListRunIDs(key)
		if listErr == nil && len(runIDs) > 0 {
			return runIDs[0], nil
		}
		return "", fmt.Errorf("failed to create run for tenant %q: %w", key, err)
	}

	logger.Info("New run allocated",
		zap.String("tenant", key),
		zap.String("run_id", run.RunID),
	)

	return run.RunID, nil
}

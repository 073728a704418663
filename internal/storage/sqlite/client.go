package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kbgateway/backend/internal/storage/models"
	"github.com/kbgateway/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenant_configs (
		tenant_key TEXT PRIMARY KEY,
		backend TEXT NOT NULL,
		model TEXT NOT NULL,
		embedding_model TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		tenant_key TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_key, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, id);

	CREATE TABLE IF NOT EXISTS kb_sources (
		tenant_key TEXT NOT NULL,
		name TEXT NOT NULL,
		format TEXT NOT NULL,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (tenant_key, name)
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) UpsertTenantConfig(cfg *models.TenantConfig) error {
	query := `
		INSERT INTO tenant_configs (tenant_key, backend, model, embedding_model, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_key) DO UPDATE SET
			backend = excluded.backend,
			model = excluded.model,
			embedding_model = excluded.embedding_model,
			updated_at = excluded.updated_at
	`

	_, err := c.db.Exec(
		query,
		cfg.TenantKey,
		cfg.Backend,
		cfg.Model,
		cfg.EmbeddingModel,
		cfg.UpdatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert tenant config: %w", err)
	}

	logger.Debug("Tenant config stored",
		zap.String("tenant", cfg.TenantKey),
		zap.String("backend", cfg.Backend),
	)
	return nil
}

// GetTenantConfig returns (nil, nil) when no selection was ever stored
// for the tenant.
func (c *Client) GetTenantConfig(tenantKey string) (*models.TenantConfig, error) {
	query := `SELECT tenant_key, backend, model, embedding_model, updated_at FROM tenant_configs WHERE tenant_key = ?`

	var cfg models.TenantConfig
	var updatedAt int64

	err := c.db.QueryRow(query, tenantKey).Scan(
		&cfg.TenantKey,
		&cfg.Backend,
		&cfg.Model,
		&cfg.EmbeddingModel,
		&updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant config: %w", err)
	}

	cfg.UpdatedAt = time.Unix(updatedAt, 0)
	return &cfg, nil
}

func (c *Client) InsertRun(run *models.Run) error {
	query := `INSERT INTO runs (run_id, tenant_key, created_at) VALUES (?, ?, ?)`

	_, err := c.db.Exec(query, run.RunID, run.TenantKey, run.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	logger.Info("Run created",
		zap.String("run_id", run.RunID),
		zap.String("tenant", run.TenantKey),
	)
	return nil
}

// ListRunIDs enumerates a tenant's runs oldest first. rowid breaks ties so
// the order is stable across calls.
func (c *Client) ListRunIDs(tenantKey string) ([]string, error) {
	query := `SELECT run_id FROM runs WHERE tenant_key = ? ORDER BY created_at ASC, rowid ASC`

	rows, err := c.db.Query(query, tenantKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		runIDs = append(runIDs, id)
	}

	return runIDs, rows.Err()
}

func (c *Client) InsertMessage(msg *models.Message) error {
	query := `INSERT INTO messages (run_id, role, content, created_at) VALUES (?, ?, ?, ?)`

	_, err := c.db.Exec(query, msg.RunID, msg.Role, msg.Content, msg.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

// RecentMessages returns the last limit messages of a run in
// chronological order.
func (c *Client) RecentMessages(runID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, run_id, role, content, created_at FROM (
			SELECT id, run_id, role, content, created_at
			FROM messages WHERE run_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`

	rows, err := c.db.Query(query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var createdAt int64

		if err := rows.Scan(&m.ID, &m.RunID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		m.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (c *Client) UpsertSource(src *models.Source) error {
	query := `
		INSERT INTO kb_sources (tenant_key, name, format, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_key, name) DO UPDATE SET
			format = excluded.format,
			chunk_count = excluded.chunk_count
	`

	_, err := c.db.Exec(query, src.TenantKey, src.Name, src.Format, src.ChunkCount, src.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}

	return nil
}

func (c *Client) ListSources(tenantKey string) ([]string, error) {
	query := `SELECT name FROM kb_sources WHERE tenant_key = ? ORDER BY created_at ASC, name ASC`

	rows, err := c.db.Query(query, tenantKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

func (c *Client) DeleteSource(tenantKey, name string) error {
	_, err := c.db.Exec(`DELETE FROM kb_sources WHERE tenant_key = ? AND name = ?`, tenantKey, name)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	return nil
}

func (c *Client) DeleteTenantSources(tenantKey string) error {
	_, err := c.db.Exec(`DELETE FROM kb_sources WHERE tenant_key = ?`, tenantKey)
	if err != nil {
		return fmt.Errorf("failed to delete tenant sources: %w", err)
	}
	return nil
}

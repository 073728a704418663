package models

import "time"

type TenantConfig struct {
	TenantKey      string
	Backend        string
	Model          string
	EmbeddingModel string
	UpdatedAt      time.Time
}

type Run struct {
	RunID     string
	TenantKey string
	CreatedAt time.Time
}

type Message struct {
	ID        int64
	RunID     string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Source is one ingested artifact (file name or crawled URL) in a
// tenant's knowledge base inventory.
type Source struct {
	TenantKey  string
	Name       string
	Format     string
	ChunkCount int
	CreatedAt  time.Time
}

package handlers

import (
	"context"
	"errors"
	"mime/multipart"
	"os"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kbgateway/backend/internal/ingest"
	"github.com/kbgateway/backend/internal/metrics"
	"github.com/kbgateway/backend/internal/tenant"
	"github.com/kbgateway/backend/internal/vector/milvus"
	"github.com/kbgateway/backend/pkg/logger"
)

type Registry interface {
	Resolve(tenantKey string) (tenant.Config, error)
	Select(tenantKey, backendID, model string) error
}

type Ingestor interface {
	IngestBatch(ctx context.Context, cfg tenant.Config, files []*multipart.FileHeader) []ingest.FileResult
	IngestURL(ctx context.Context, cfg tenant.Config, rawURL string) ingest.FileResult
	StagedFilePath(tenantKey, name string) string
	RemoveStaging(tenantKey string) error
	RemoveStagedFile(tenantKey, name string) error
}

type VectorAdmin interface {
	Clear(ctx context.Context, collection string) (bool, error)
	DeleteSource(ctx context.Context, collection, source string) error
	ListSources(ctx context.Context, collection string) ([]string, error)
}

type Inventory interface {
	ListSources(tenantKey string) ([]string, error)
	DeleteSource(tenantKey, name string) error
	DeleteTenantSources(tenantKey string) error
}

// KBHandler serves the knowledge-base lifecycle: model selection,
// ingestion, inventory, deletion and clearing.
type KBHandler struct {
	registry  Registry
	processor Ingestor
	vector    VectorAdmin
	inventory Inventory
}

func NewKBHandler(registry Registry, processor Ingestor, vector VectorAdmin, inventory Inventory) *KBHandler {
	return &KBHandler{
		registry:  registry,
		processor: processor,
		vector:    vector,
		inventory: inventory,
	}
}

func (h *KBHandler) SelectModel(c *fiber.Ctx) error {
	var req struct {
		KBName string `json:"kb_name"`
		LLM    string `json:"llm"`
		Model  string `json:"model"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
		})
	}

	if req.KBName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Missing kb_name",
		})
	}

	if err := h.registry.Select(req.KBName, req.LLM, req.Model); err != nil {
		if errors.Is(err, tenant.ErrInvalidBackend) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"message": "Invalid model ID",
			})
		}
		logger.Error("Failed to store model selection", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "Error processing request",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Successfully selected the model",
	})
}

func (h *KBHandler) ReceiveFile(c *fiber.Ctx) error {
	kbName := c.FormValue("kb_name")

	cfg, err := h.registry.Resolve(kbName)
	if err != nil {
		logger.Error("Failed to resolve tenant", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "Error processing request",
		})
	}

	form, formErr := c.MultipartForm()
	if formErr == nil && form != nil && len(form.File["file"]) > 0 {
		results := h.processor.IngestBatch(c.Context(), cfg, form.File["file"])
		return c.JSON(fiber.Map{
			"message": "Files uploaded successfully",
			"kb_name": cfg.TenantKey,
			"files":   results,
		})
	}

	if rawURL := c.FormValue("url"); rawURL != "" {
		result := h.processor.IngestURL(c.Context(), cfg, rawURL)
		return c.JSON(fiber.Map{
			"message": "Files uploaded successfully",
			"kb_name": cfg.TenantKey,
			"files":   []ingest.FileResult{result},
		})
	}

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"message": "No file or url supplied",
	})
}

func (h *KBHandler) ListKB(c *fiber.Ctx) error {
	kbName := tenant.NormalizeKey(c.Query("kb_name"))

	names, err := h.inventory.ListSources(kbName)
	if err != nil {
		logger.Error("Failed to list sources", zap.String("tenant", kbName), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "Error processing request",
		})
	}

	if len(names) == 0 {
		// The inventory can lag a restored vector store; fall back to the
		// collection's own source enumeration before reporting an empty list.
		if cfg, rerr := h.registry.Resolve(kbName); rerr == nil {
			stored, lerr := h.vector.ListSources(c.Context(), cfg.Collection)
			if lerr != nil && !errors.Is(lerr, milvus.ErrCollectionMissing) {
				logger.Warn("Vector store listing failed",
					zap.String("collection", cfg.Collection), zap.Error(lerr))
			}
			names = stored
		}
	}

	if names == nil {
		names = []string{}
	}

	return c.JSON(fiber.Map{
		"kb_list": names,
		"kb_name": kbName,
	})
}

func (h *KBHandler) GetFileContents(c *fiber.Ctx) error {
	kbName := c.Query("kb_name")
	if kbName == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"message": "KB name not found",
		})
	}

	fileName := c.Query("kb_file_name")
	if fileName == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"message": "File name not found",
		})
	}

	path := h.processor.StagedFilePath(kbName, fileName)
	contents, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"message": "File not found",
			})
		}
		logger.Error("Failed to read staged file", zap.String("path", path), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "Error processing request",
		})
	}

	return c.JSON(fiber.Map{
		"kb_name":      tenant.NormalizeKey(kbName),
		"kb_file_name": fileName,
		"contents":     string(contents),
	})
}

func (h *KBHandler) Delete(c *fiber.Ctx) error {
	var req struct {
		KBName   string `json:"kb_name"`
		FileName string `json:"file_name"`
	}

	if err := c.BodyParser(&req); err != nil || req.FileName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
		})
	}

	cfg, err := h.registry.Resolve(req.KBName)
	if err != nil {
		logger.Error("Failed to resolve tenant", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  err.Error(),
			"status": fiber.StatusInternalServerError,
		})
	}

	if err := h.vector.DeleteSource(c.Context(), cfg.Collection, req.FileName); err != nil {
		if errors.Is(err, milvus.ErrCollectionMissing) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"message": "The Knowledge Base does not exists.",
				"kb_name": cfg.TenantKey,
			})
		}
		logger.Error("Failed to delete source rows",
			zap.String("tenant", cfg.TenantKey),
			zap.String("file", req.FileName),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  "Failed to delete file rows",
			"status": fiber.StatusInternalServerError,
		})
	}

	if err := h.inventory.DeleteSource(cfg.TenantKey, req.FileName); err != nil {
		logger.Warn("Failed to remove inventory row", zap.Error(err))
	}
	if err := h.processor.RemoveStagedFile(cfg.TenantKey, req.FileName); err != nil {
		logger.Warn("Failed to remove staged file", zap.Error(err))
	}

	return c.JSON(fiber.Map{
		"message": "File with name = '" + req.FileName + "' has been deleted.",
		"status":  fiber.StatusOK,
	})
}

func (h *KBHandler) Clear(c *fiber.Ctx) error {
	var req struct {
		KBName string `json:"kb_name"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
		})
	}

	cfg, err := h.registry.Resolve(req.KBName)
	if err != nil {
		logger.Error("Failed to resolve tenant", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "Error processing request",
		})
	}

	existed, err := h.vector.Clear(c.Context(), cfg.Collection)
	if err != nil {
		logger.Error("Failed to clear collection",
			zap.String("tenant", cfg.TenantKey),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "Error processing request",
		})
	}

	if !existed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"message": "The Knowledge Base does not exists.",
			"kb_name": cfg.TenantKey,
		})
	}

	// Staged copies and inventory follow the collection; failures here
	// are logged, not rolled back.
	if err := h.processor.RemoveStaging(cfg.TenantKey); err != nil {
		logger.Error("Failed to remove staged files",
			zap.String("tenant", cfg.TenantKey),
			zap.Error(err),
		)
	}
	if err := h.inventory.DeleteTenantSources(cfg.TenantKey); err != nil {
		logger.Error("Failed to clear inventory",
			zap.String("tenant", cfg.TenantKey),
			zap.Error(err),
		)
	}

	metrics.CollectionsCleared.Inc()
	logger.Info("Knowledge base cleared", zap.String("tenant", cfg.TenantKey))

	return c.JSON(fiber.Map{
		"message": "Knowledge Base Cleared successfully.",
		"kb_name": cfg.TenantKey,
	})
}

func (h *KBHandler) Status(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "API is up",
	})
}

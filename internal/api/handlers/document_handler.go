package handlers

import (
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/ingestion"
	"github.com/ragquery/backend/internal/middleware/auth"
	"github.com/ragquery/backend/internal/storage"
	"github.com/ragquery/backend/pkg/logger"
)

var extensionTypes = map[string]string{
	".txt":      ingestion.ContentTypeText,
	".md":       ingestion.ContentTypeMarkdown,
	".markdown": ingestion.ContentTypeMarkdown,
	".html":     ingestion.ContentTypeHTML,
	".htm":      ingestion.ContentTypeHTML,
	".pdf":      ingestion.ContentTypePDF,
}

type DocumentHandler struct {
	processor *ingestion.Processor
}

func NewDocumentHandler(processor *ingestion.Processor) *DocumentHandler {
	return &DocumentHandler{
		processor: processor,
	}
}

func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "A file is required")
	}

	contentType := detectContentType(file.Filename, file.Header.Get(fiber.HeaderContentType))

	f, err := file.Open()
	if err != nil {
		logger.Error("Failed to open uploaded file", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read uploaded file",
		})
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		logger.Error("Failed to read uploaded file", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read uploaded file",
		})
	}

	doc, err := h.processor.ProcessDocument(c.Context(), auth.UserID(c), filepath.Base(file.Filename), contentType, data)
	switch {
	case errors.Is(err, ingestion.ErrUnsupportedContentType):
		return badRequest(c, "Unsupported file type")
	case errors.Is(err, ingestion.ErrTooLarge):
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "File exceeds maximum size",
		})
	case errors.Is(err, ingestion.ErrEmptyDocument):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":       "Document contains no text",
			"document_id": doc.ID,
		})
	case err != nil:
		logger.Error("Failed to process document", zap.Error(err))
		resp := fiber.Map{"error": "Failed to process document"}
		if doc != nil {
			resp["document_id"] = doc.ID
		}
		return c.Status(fiber.StatusInternalServerError).JSON(resp)
	}

	return c.Status(fiber.StatusCreated).JSON(doc)
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	err := h.processor.DeleteDocument(c.Context(), auth.UserID(c), c.Params("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}
	if err != nil {
		logger.Error("Failed to delete document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete document",
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// detectContentType trusts a declared supported type and otherwise falls back to the file extension.
func detectContentType(filename, declared string) string {
	if ingestion.Supported(declared) {
		return declared
	}
	if ct, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return declared
}

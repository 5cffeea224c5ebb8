package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/cache"
	"github.com/ragquery/backend/internal/chunker"
	"github.com/ragquery/backend/internal/embedding"
	"github.com/ragquery/backend/internal/metrics"
	"github.com/ragquery/backend/internal/query"
	"github.com/ragquery/backend/internal/storage/models"
	"github.com/ragquery/backend/internal/vector"
	"github.com/ragquery/backend/pkg/logger"
)

// DocumentStore is the part of the durable store that ingestion writes to.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc *models.Document) error
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, chunkCount int, errMsg *string) error
	InsertChunks(ctx context.Context, chunks []models.DocumentChunk) error
	GetDocument(ctx context.Context, userID, id string) (*models.Document, error)
	DeleteDocument(ctx context.Context, userID, id string) error
}

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	MaxBytes     int64
}

type Processor struct {
	store    DocumentStore
	embedder embedding.Embedder
	index    vector.Index
	cache    cache.Cache
	chunker  *chunker.Chunker
	maxBytes int64
}

func NewProcessor(store DocumentStore, embedder embedding.Embedder, index vector.Index, c cache.Cache, cfg Config) *Processor {
	if c == nil {
		c = cache.Noop{}
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 25 << 20
	}
	return &Processor{
		store:    store,
		embedder: embedder,
		index:    index,
		cache:    c,
		chunker:  chunker.New(cfg.ChunkSize, cfg.ChunkOverlap),
		maxBytes: cfg.MaxBytes,
	}
}

// ProcessDocument extracts, chunks, embeds and indexes an uploaded document. The document row is
// left in the failed state with an error message when any step after it is written fails.
func (p *Processor) ProcessDocument(ctx context.Context, userID, filename, contentType string, data []byte) (*models.Document, error) {
	if !Supported(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, ErrTooLarge
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:          uuid.New().String(),
		UserID:      userID,
		Filename:    filename,
		ContentType: NormalizeContentType(contentType),
		SizeBytes:   int64(len(data)),
		Status:      models.DocumentProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	logger.Info("Processing document",
		zap.String("document_id", doc.ID),
		zap.String("user_id", userID),
		zap.String("filename", filename),
		zap.Int64("size_bytes", doc.SizeBytes),
	)

	if err := p.store.InsertDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}

	count, indexed, err := p.ingest(ctx, doc, data)
	if err == nil {
		if uerr := p.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentProcessed, count, nil); uerr != nil {
			err = fmt.Errorf("failed to update document status: %w", uerr)
		}
	}
	if err != nil {
		p.fail(ctx, doc, indexed, err)
		return doc, err
	}
	doc.Status = models.DocumentProcessed
	doc.ChunkCount = count
	doc.UpdatedAt = time.Now().UTC()

	p.invalidate(ctx, userID)
	metrics.DocumentsProcessed.WithLabelValues(string(models.DocumentProcessed)).Inc()

	logger.Info("Document processed successfully",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", count),
	)
	return doc, nil
}

// fail marks the document failed. Vectors already written for it are removed so that queries
// never retrieve text from a document reported as failed.
func (p *Processor) fail(ctx context.Context, doc *models.Document, indexed bool, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	doc.Status = models.DocumentFailed
	doc.ErrorMessage = &msg

	if indexed {
		if err := p.index.Delete(ctx, doc.UserID, doc.ID); err != nil {
			logger.Error("Failed to remove vectors of failed document",
				zap.String("document_id", doc.ID),
				zap.String("user_id", doc.UserID),
				zap.Error(err),
			)
		}
		p.invalidate(ctx, doc.UserID)
	}

	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentFailed, 0, &msg); err != nil {
		logger.Error("Failed to mark document failed", zap.String("document_id", doc.ID), zap.Error(err))
	}
	metrics.DocumentsProcessed.WithLabelValues(string(models.DocumentFailed)).Inc()
	logger.Error("Document processing failed", zap.String("document_id", doc.ID), zap.Error(cause))
}

// ingest reports whether vectors reached the index, so a later failure can remove them.
func (p *Processor) ingest(ctx context.Context, doc *models.Document, data []byte) (int, bool, error) {
	text, err := Extract(doc.ContentType, data)
	if err != nil {
		return 0, false, err
	}

	chunks := p.chunker.Split(text)
	if len(chunks) == 0 {
		return 0, false, ErrEmptyDocument
	}
	logger.Debug("Document chunked", zap.String("document_id", doc.ID), zap.Int("chunks", len(chunks)))

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, false, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return 0, false, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}

	now := time.Now().UTC()
	vectorDocs := make([]vector.Document, 0, len(chunks))
	rows := make([]models.DocumentChunk, 0, len(chunks))
	for i, c := range chunks {
		chunkID := uuid.New().String()
		vectorDocs = append(vectorDocs, vector.Document{
			ID:         chunkID,
			DocumentID: doc.ID,
			Text:       c.Text,
			Source:     doc.Filename,
			PageNumber: c.PageNumber,
			ChunkIndex: c.Index,
			Embedding:  embeddings[i],
			Metadata: map[string]any{
				"filename":     doc.Filename,
				"content_type": doc.ContentType,
				"chunk_index":  c.Index,
				"start_char":   c.StartChar,
				"end_char":     c.EndChar,
			},
		})
		rows = append(rows, models.DocumentChunk{
			ID:         chunkID,
			DocumentID: doc.ID,
			ChunkIndex: c.Index,
			Text:       c.Text,
			StartChar:  c.StartChar,
			EndChar:    c.EndChar,
			PageNumber: c.PageNumber,
			CreatedAt:  now,
		})
	}

	if err := p.index.Add(ctx, doc.UserID, vectorDocs); err != nil {
		return 0, false, fmt.Errorf("failed to insert into vector index: %w", err)
	}
	if err := p.store.InsertChunks(ctx, rows); err != nil {
		return 0, true, fmt.Errorf("failed to insert chunks: %w", err)
	}
	return len(chunks), true, nil
}

// DeleteDocument removes a user's document from the index and the store.
func (p *Processor) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if _, err := p.store.GetDocument(ctx, userID, documentID); err != nil {
		return err
	}
	if err := p.index.Delete(ctx, userID, documentID); err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	if err := p.store.DeleteDocument(ctx, userID, documentID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	p.invalidate(ctx, userID)
	logger.Info("Document deleted", zap.String("document_id", documentID), zap.String("user_id", userID))
	return nil
}

// invalidate drops the user's cached searches and answers, which may reference stale chunks.
func (p *Processor) invalidate(ctx context.Context, userID string) {
	removed := 0
	for _, prefix := range query.UserCachePrefixes(userID) {
		removed += p.cache.DeletePrefix(ctx, prefix)
	}
	logger.Debug("Invalidated user cache", zap.String("user_id", userID), zap.Int("keys", removed))
}

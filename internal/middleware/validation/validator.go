package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ragquery/backend/internal/query"
)

const (
	MaxChunksLimit = 20
	MaxTokensLimit = 8192
	MaxTemperature = 2.0
	MaxNameLength  = 100
)

// ErrInvalid is wrapped by every validation failure; the message is safe to return to clients.
var ErrInvalid = errors.New("invalid request")

type Config struct {
	MaxQueryLength      int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = 5000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON, fiber.MIMEMultipartForm}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Middleware rejects POST and PUT bodies whose content type the API does not accept.
func Middleware(cfg Config) fiber.Handler {
	cfg = cfg.withDefaults()

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}
		contentType := strings.ToLower(c.Get(fiber.HeaderContentType))
		if contentType == "" {
			return c.Next()
		}
		for _, allowed := range cfg.AllowedContentTypes {
			if strings.HasPrefix(contentType, allowed) {
				return c.Next()
			}
		}
		cfg.Logger.Warn("Rejected request content type",
			zap.String("content_type", contentType),
			zap.String("path", c.Path()),
		)
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "Unsupported content type",
		})
	}
}

type Validator struct {
	maxQueryLength int
}

func New(cfg Config) *Validator {
	return &Validator{maxQueryLength: cfg.withDefaults().MaxQueryLength}
}

// RAGRequest sanitizes the query text in place and checks every tunable against its allowed range.
// Zero values mean "use the server default" and pass.
func (v *Validator) RAGRequest(req *query.RAGRequest) error {
	req.Query = sanitizeString(req.Query)
	if req.Query == "" {
		return fmt.Errorf("%w: query is required", ErrInvalid)
	}
	if utf8.RuneCountInString(req.Query) > v.maxQueryLength {
		return fmt.Errorf("%w: query exceeds maximum length of %d characters", ErrInvalid, v.maxQueryLength)
	}
	if req.MaxChunks < 0 || req.MaxChunks > MaxChunksLimit {
		return fmt.Errorf("%w: max_chunks must be between 1 and %d", ErrInvalid, MaxChunksLimit)
	}
	if t := req.ScoreThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("%w: score_threshold must be between 0 and 1", ErrInvalid)
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > MaxTemperature) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalid)
	}
	if m := req.MaxTokens; m != nil && (*m < 1 || *m > MaxTokensLimit) {
		return fmt.Errorf("%w: max_tokens must be between 1 and %d", ErrInvalid, MaxTokensLimit)
	}
	if len(req.LLMProvider) > MaxNameLength || len(req.LLMModel) > MaxNameLength {
		return fmt.Errorf("%w: llm_provider and llm_model must be at most %d characters", ErrInvalid, MaxNameLength)
	}
	if req.ConversationTurn < 0 {
		return fmt.Errorf("%w: conversation_turn must not be negative", ErrInvalid)
	}
	for _, id := range req.DocumentIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: document_ids must not contain empty ids", ErrInvalid)
		}
	}
	return nil
}

func (v *Validator) Rating(rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalid)
	}
	return nil
}

// Message strips the sentinel prefix for client responses.
func Message(err error) string {
	return strings.TrimPrefix(err.Error(), ErrInvalid.Error()+": ")
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}

package query

import "errors"

var (
	ErrEmbedding      = errors.New("embedding failed")
	ErrVectorSearch   = errors.New("vector search failed")
	ErrGeneration     = errors.New("generation failed")
	ErrPersistence    = errors.New("persistence failed")
	ErrNotFound       = errors.New("query not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// RAGError is returned by Answer and AnswerStream. Its message is generic and the cause is
// reachable through errors.Is and errors.As.
type RAGError struct {
	QueryType string
	Err       error
}

func (e *RAGError) Error() string {
	return "rag query failed"
}

func (e *RAGError) Unwrap() error {
	return e.Err
}

package llm

import (
	"context"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Mock answers deterministically from the request, citing every passage it was given.
type Mock struct{}

func (Mock) answer(req GenerateRequest) string {
	if len(req.Passages) == 0 {
		return "I could not find anything about that in your documents."
	}
	var b strings.Builder
	b.WriteString("Based on the provided documents:")
	for i := range req.Passages {
		b.WriteString(" [Source ")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("]")
	}
	return b.String()
}

func (m Mock) Generate(_ context.Context, req GenerateRequest) (*GeneratedAnswer, error) {
	content := m.answer(req)
	_, user := BuildMessages(req)
	in := max(1, utf8.RuneCountInString(user)/4)
	out := max(1, utf8.RuneCountInString(content)/4)
	return &GeneratedAnswer{
		Content: content,
		Usage:   Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

func (m Mock) GenerateStream(_ context.Context, req GenerateRequest) (Stream, error) {
	words := strings.SplitAfter(m.answer(req), " ")
	return &sliceStream{fragments: words}, nil
}

type sliceStream struct {
	fragments []string
	pos       int
}

func (s *sliceStream) Recv() (string, error) {
	for s.pos < len(s.fragments) {
		f := s.fragments[s.pos]
		s.pos++
		if f != "" {
			return f, nil
		}
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error {
	s.pos = len(s.fragments)
	return nil
}

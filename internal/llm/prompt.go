package llm

import (
	"fmt"
	"strings"
)

const DefaultSystemPrompt = `You are a helpful assistant that answers questions using only the documents the user has uploaded.

Your responses must:
1. Be based ONLY on the provided context
2. Cite the passages you use as [Source n]
3. Say clearly when the context does not contain the answer

Be concise and accurate.`

// BuildMessages returns the system and user prompts for a generation request.
func BuildMessages(req GenerateRequest) (string, string) {
	system := req.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt
	}
	return system, buildUserPrompt(req.Query, req.Passages)
}

func buildUserPrompt(query string, passages []Passage) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	if len(passages) == 0 {
		b.WriteString("No relevant passages were found in the user's documents.\n")
	}
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sourceHeader(i+1, p))
		b.WriteString("\n")
		b.WriteString(p.Text)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

func sourceHeader(n int, p Passage) string {
	label := p.Label
	if label == "" {
		label = "Unknown"
	}
	if p.PageNumber != nil {
		return fmt.Sprintf("[Source %d: %s (page %d)]", n, label, *p.PageNumber)
	}
	return fmt.Sprintf("[Source %d: %s]", n, label)
}

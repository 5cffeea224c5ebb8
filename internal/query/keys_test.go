package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragquery/backend/internal/vector"
)

func TestQueryHashIgnoresSurroundingWhitespace(t *testing.T) {
	assert.Equal(t, QueryHash("What is RAG?"), QueryHash("  What is RAG?\n"))
	assert.NotEqual(t, QueryHash("What is RAG?"), QueryHash("what is rag?"))
	assert.Len(t, QueryHash("x"), 64)
}

func TestFilterFingerprintIsOrderIndependent(t *testing.T) {
	assert.Equal(t, "none", FilterFingerprint(nil))
	assert.Equal(t, "none", FilterFingerprint([]string{}))
	assert.Equal(t, `["a","b"]`, FilterFingerprint([]string{"b", "a"}))
	assert.Equal(t, FilterFingerprint([]string{"a", "b"}), FilterFingerprint([]string{"b", "a", "b"}))
}

func TestThresholdLadder(t *testing.T) {
	assert.Equal(t, []float64{0.3, 0.1, 0}, ThresholdLadder(0.3))
	assert.Equal(t, []float64{0.05, 0.1, 0}, ThresholdLadder(0.05))
	assert.Equal(t, []float64{0}, ThresholdLadder(0))

	// The relaxed tail is shared and must not be aliased into callers.
	l := ThresholdLadder(0.5)
	l[1] = 42
	assert.Equal(t, []float64{0.5, 0.1, 0}, ThresholdLadder(0.5))
}

func TestSearchCacheKey(t *testing.T) {
	hash := QueryHash("capital of France")
	key := SearchCacheKey("u1", hash, 5, 0.3, "none")

	assert.Equal(t, "search:user:u1:"+hash+":5:0.3:none", key)
	assert.Equal(t, key, SearchCacheKey("u1", QueryHash(" capital of France "), 5, 0.3, "none"))
	assert.NotContains(t, key, "France")
	assert.Equal(t, "search:user:u1:"+hash+":5:0:none", SearchCacheKey("u1", hash, 5, 0, "none"))

	distinct := []string{
		SearchCacheKey("u2", hash, 5, 0.3, "none"),
		SearchCacheKey("u1", hash, 6, 0.3, "none"),
		SearchCacheKey("u1", hash, 5, 0.1, "none"),
		SearchCacheKey("u1", hash, 5, 0.3, `["d1"]`),
	}
	for _, k := range distinct {
		assert.NotEqual(t, key, k)
	}
}

func TestLLMCacheKey(t *testing.T) {
	hash := QueryHash("q")
	key := LLMCacheKey("u1", "openai", "gpt-4o-mini", hash, []string{"c1", "c2"}, 0.3, 1000, 0.7)

	assert.Equal(t, "llm:user:u1:openai:gpt-4o-mini:"+hash+":c1,c2:0.3:1000:0.7", key)
	assert.True(t, strings.HasSuffix(LLMCacheKey("u1", "openai", "m", hash, nil, 0.3, 1000, 0.7), ":none:0.3:1000:0.7"))

	distinct := []string{
		LLMCacheKey("u1", "openai", "gpt-4o-mini", hash, []string{"c2", "c1"}, 0.3, 1000, 0.7),
		LLMCacheKey("u1", "openai", "gpt-4o-mini", hash, []string{"c1"}, 0.3, 1000, 0.7),
		LLMCacheKey("u1", "openai", "gpt-4o-mini", hash, []string{"c1", "c2"}, 0.3, 500, 0.7),
		LLMCacheKey("u1", "openai", "gpt-4o-mini", hash, []string{"c1", "c2"}, 0.3, 1000, 0.2),
		LLMCacheKey("u1", "groq", "gpt-4o-mini", hash, []string{"c1", "c2"}, 0.3, 1000, 0.7),
		LLMCacheKey("u1", "openai", "gpt-4o-mini", hash, []string{"c1", "c2"}, 0.1, 1000, 0.7),
	}
	for _, k := range distinct {
		assert.NotEqual(t, key, k)
	}
}

func TestUserCachePrefixesCoverKeys(t *testing.T) {
	prefixes := UserCachePrefixes("u1")
	assert.True(t, strings.HasPrefix(SearchCacheKey("u1", "h", 5, 0.3, "none"), prefixes[0]))
	assert.True(t, strings.HasPrefix(LLMCacheKey("u1", "p", "m", "h", nil, 0, 1, 0), prefixes[1]))
	assert.False(t, strings.HasPrefix(SearchCacheKey("u10", "h", 5, 0.3, "none"), prefixes[0]))
}

func TestUserCachePrefixesDoNotOverlapTenants(t *testing.T) {
	hash := QueryHash("q")
	other := []string{
		SearchCacheKey("a:b", hash, 5, 0.3, "none"),
		LLMCacheKey("a:b", "openai", "m", hash, nil, 0.3, 1000, 0.7),
	}
	for _, prefix := range UserCachePrefixes("a") {
		for _, key := range other {
			assert.False(t, strings.HasPrefix(key, prefix), "%s covers %s", prefix, key)
		}
	}

	own := SearchCacheKey("a:b", hash, 5, 0.3, "none")
	assert.True(t, strings.HasPrefix(own, UserCachePrefixes("a:b")[0]))
}

func TestFallbackChunkIDIsStable(t *testing.T) {
	hits := []vector.SearchResult{{DocumentID: "d1", ChunkIndex: 3, Text: "t"}}
	first := toContextDocuments(hits)
	second := toContextDocuments(hits)

	require.Len(t, first, 1)
	assert.NotEmpty(t, first[0].ID)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.NotEqual(t, first[0].ID, fallbackChunkID("d1", 4))
}

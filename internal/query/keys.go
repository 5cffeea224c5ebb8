package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ragquery/backend/pkg/utils"
)

const noFilter = "none"

// Thresholds tried after the caller's own when it yields nothing.
var relaxedThresholds = []float64{0.1, 0.0}

func NormalizeQuery(q string) string {
	return strings.TrimSpace(q)
}

// QueryHash is the SHA-256 hex digest of the normalized query. Raw query text never appears in cache keys.
func QueryHash(q string) string {
	return utils.HashString(NormalizeQuery(q))
}

// FilterFingerprint is the sorted JSON array of the requested document ids, or "none".
func FilterFingerprint(documentIDs []string) string {
	if len(documentIDs) == 0 {
		return noFilter
	}
	seen := make(map[string]struct{}, len(documentIDs))
	ids := make([]string, 0, len(documentIDs))
	for _, id := range documentIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	b, err := json.Marshal(ids)
	if err != nil {
		return strings.Join(ids, ",")
	}
	return string(b)
}

func ThresholdLadder(t0 float64) []float64 {
	if t0 <= 0 {
		return []float64{t0}
	}
	return append([]float64{t0}, relaxedThresholds...)
}

func SearchCacheKey(userID, queryHash string, maxChunks int, threshold float64, fingerprint string) string {
	return fmt.Sprintf("search:user:%s:%s:%d:%s:%s",
		tenantSegment(userID), queryHash, maxChunks, formatFloat(threshold), fingerprint)
}

func LLMCacheKey(userID, provider, model, queryHash string, chunkIDs []string, threshold float64, maxTokens int, temperature float64) string {
	chunks := noFilter
	if len(chunkIDs) > 0 {
		chunks = strings.Join(chunkIDs, ",")
	}
	return fmt.Sprintf("llm:user:%s:%s:%s:%s:%s:%s:%d:%s",
		tenantSegment(userID), provider, model, queryHash, chunks, formatFloat(threshold), maxTokens, formatFloat(temperature))
}

// UserCachePrefixes are the key namespaces holding a user's search and answer entries.
func UserCachePrefixes(userID string) []string {
	seg := tenantSegment(userID)
	return []string{
		"search:user:" + seg + ":",
		"llm:user:" + seg + ":",
	}
}

// tenantSegment escapes the key delimiter so one user's prefix never covers another user's keys.
func tenantSegment(userID string) string {
	return url.QueryEscape(userID)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

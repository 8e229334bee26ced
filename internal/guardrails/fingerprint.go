package guardrails

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies one signal computation for caching and cross-suite
// deduplication. Two checks with identical coordinates share a result.
func Fingerprint(provider, metric, stage, model, rulesHash string) string {
	sum := blake2b.Sum256([]byte(provider + "\x00" + metric + "\x00" + stage + "\x00" + model + "\x00" + rulesHash))
	return hex.EncodeToString(sum[:16])
}

// RulesHash produces a stable hash over an enabled-rule set and its effective
// thresholds, so threshold overrides change the fingerprint.
func RulesHash(rules []string, thresholds map[string]float64) string {
	sorted := make([]string, len(rules))
	copy(sorted, rules)
	sort.Strings(sorted)
	parts := make([]string, 0, len(sorted))
	for _, rule := range sorted {
		if threshold, ok := thresholds[rule]; ok {
			parts = append(parts, fmt.Sprintf("%s=%.4f", rule, threshold))
			continue
		}
		parts = append(parts, rule)
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:8])
}

type cacheEntry struct {
	result     SignalResult
	insertedAt time.Time
}

// FingerprintCache is the process-wide signal cache. Entries expire after TTL
// and are evicted lazily on lookup. Shared across concurrent runs.
type FingerprintCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

const DefaultCacheTTL = time.Hour

func NewFingerprintCache(ttl time.Duration) *FingerprintCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &FingerprintCache{
		ttl:     ttl,
		entries: map[string]cacheEntry{},
		now:     time.Now,
	}
}

// Get returns a live cached result. An entry past its TTL is evicted and
// reported as a miss; a cached result is never served stale.
func (c *FingerprintCache) Get(fingerprint string) (SignalResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fingerprint]
	if !ok {
		return SignalResult{}, false
	}
	if c.now().Sub(entry.insertedAt) >= c.ttl {
		delete(c.entries, fingerprint)
		return SignalResult{}, false
	}
	return entry.result, true
}

func (c *FingerprintCache) Put(fingerprint string, result SignalResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = cacheEntry{result: result, insertedAt: c.now()}
}

func (c *FingerprintCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

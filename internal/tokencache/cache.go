// Package tokencache holds the process-local, in-memory caches that let
// token verification skip the database on the common path: a positive
// cache of decoded claims, a negative/validation cache recording recent
// verdicts, and a separate cache of expiration-timestamp comparisons
// (spec.md §4.6). All three share one mutex; none of them touch the
// database themselves.
package tokencache

import (
	"sort"
	"sync"
	"time"
)

// Default tuning values, used when the caller has no configured override
// (e.g. in tests that don't care about cache tuning).
const (
	DefaultValidationTTL       = 5 * time.Minute
	DefaultTimestampTTL        = time.Hour
	DefaultMaxTimestampEntries = 1000
)

// Claims is the decoded payload of a verified token.
type Claims struct {
	Subject   string
	Issuer    string
	DeviceID  string
	KeyID     int64
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c Claims) expired(now time.Time) bool {
	return c.ExpiresAt.IsZero() || c.IssuedAt.IsZero() || now.After(c.ExpiresAt)
}

type validation struct {
	timestamp time.Time
	valid     bool
}

type timestampEntry struct {
	expired   bool
	createdAt time.Time
}

// Cache is a singleton-shaped but explicitly constructed (no package-level
// global) holder for the three caches described above.
type Cache struct {
	mu sync.Mutex

	validationTTL       time.Duration
	timestampTTL        time.Duration
	maxTimestampEntries int

	tokens      map[string]Claims
	validations map[string]validation
	timestamps  map[int64]timestampEntry
}

// New builds a Cache tuned by validationTTL, timestampTTL, and
// maxTimestampEntries (internal/config's ValidationCacheTTL,
// TimestampCacheTTL, and TimestampCacheCap). A zero or negative value for
// any of them falls back to its Default.
func New(validationTTL, timestampTTL time.Duration, maxTimestampEntries int) *Cache {
	if validationTTL <= 0 {
		validationTTL = DefaultValidationTTL
	}
	if timestampTTL <= 0 {
		timestampTTL = DefaultTimestampTTL
	}
	if maxTimestampEntries <= 0 {
		maxTimestampEntries = DefaultMaxTimestampEntries
	}
	return &Cache{
		validationTTL:       validationTTL,
		timestampTTL:        timestampTTL,
		maxTimestampEntries: maxTimestampEntries,
		tokens:              make(map[string]Claims),
		validations:         make(map[string]validation),
		timestamps:          make(map[int64]timestampEntry),
	}
}

// CacheToken stores claims for a not-yet-expired token and marks it valid
// in the validation cache. A call with already-expired claims is a no-op.
func (c *Cache) CacheToken(token string, claims Claims) {
	now := time.Now().UTC()
	if claims.expired(now) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = claims
	c.validations[token] = validation{timestamp: now, valid: true}
}

// Get returns the cached claims for token, or ok=false if absent, expired,
// or the validation entry has aged out of its TTL. A stale validation entry
// evicts both caches for that token before returning.
func (c *Cache) Get(token string) (Claims, bool) {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.validations[token]; ok {
		if now.Sub(v.timestamp) > c.validationTTL {
			delete(c.validations, token)
			delete(c.tokens, token)
			return Claims{}, false
		}
	}

	claims, ok := c.tokens[token]
	if ok && !claims.expired(now) {
		return claims, true
	}

	delete(c.tokens, token)
	delete(c.validations, token)
	return Claims{}, false
}

// Invalidate records token as explicitly invalid (e.g. failed signature or
// revocation), so repeated lookups within the TTL window skip re-deriving
// the verdict, without caching a stale positive claims entry.
func (c *Cache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validations[token] = validation{timestamp: time.Now().UTC(), valid: false}
	delete(c.tokens, token)
}

// IsKnownInvalid reports whether token has a live negative verdict cached.
func (c *Cache) IsKnownInvalid(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.validations[token]
	if !ok {
		return false
	}
	if time.Since(v.timestamp) > c.validationTTL {
		delete(c.validations, token)
		return false
	}
	return !v.valid
}

// CheckExpired answers whether a Unix expiry timestamp is in the past,
// caching the verdict for timestampTTL so repeated checks of the same exp
// value (common across a device's tokens sharing a TTL) skip the
// comparison and clock read. Capped at maxTimestampEntries, evicting the
// oldest-by-creation-time entries beyond the cap.
func (c *Cache) CheckExpired(expUnix int64) bool {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.timestamps[expUnix]; ok {
		if now.Sub(entry.createdAt) <= c.timestampTTL {
			return entry.expired
		}
		delete(c.timestamps, expUnix)
	}

	result := time.Unix(expUnix, 0).UTC().Before(now) || time.Unix(expUnix, 0).UTC().Equal(now)
	c.timestamps[expUnix] = timestampEntry{expired: result, createdAt: now}

	if len(c.timestamps) > c.maxTimestampEntries {
		c.evictOldestTimestampsLocked()
	}
	return result
}

// evictOldestTimestampsLocked trims the timestamp cache back to
// maxTimestampEntries, removing the entries created longest ago first.
// Caller must hold c.mu.
func (c *Cache) evictOldestTimestampsLocked() {
	type item struct {
		key       int64
		createdAt time.Time
	}
	items := make([]item, 0, len(c.timestamps))
	for k, v := range c.timestamps {
		items = append(items, item{k, v.createdAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].createdAt.Before(items[j].createdAt) })

	excess := len(items) - c.maxTimestampEntries
	for i := 0; i < excess; i++ {
		delete(c.timestamps, items[i].key)
	}
}

// ClearExpired sweeps both the token and validation caches for entries
// whose TTL or token expiry has passed.
func (c *Cache) ClearExpired() {
	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	for token, v := range c.validations {
		if now.Sub(v.timestamp) > c.validationTTL {
			delete(c.validations, token)
			delete(c.tokens, token)
		}
	}
	for token, claims := range c.tokens {
		if claims.expired(now) {
			delete(c.tokens, token)
			delete(c.validations, token)
		}
	}
}

// Clear empties every cache; the token manager calls it after a key
// rotation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = make(map[string]Claims)
	c.validations = make(map[string]validation)
	c.timestamps = make(map[int64]timestampEntry)
}

// Stats reports the size of each cache and how many cached claims have
// expired.
type Stats struct {
	TokenCacheSize      int
	ValidationCacheSize int
	TimestampCacheSize  int
	ExpiredTokens       int
}

func (c *Cache) Stats() Stats {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for _, claims := range c.tokens {
		if claims.expired(now) {
			expired++
		}
	}
	return Stats{
		TokenCacheSize:      len(c.tokens),
		ValidationCacheSize: len(c.validations),
		TimestampCacheSize:  len(c.timestamps),
		ExpiredTokens:       expired,
	}
}

// DebugState reports the cache state of a single token, for the
// verify_cache_state diagnostic (spec.md SPEC_FULL.md §4.1 supplement).
type DebugState struct {
	InTokenCache      bool
	InValidationCache bool
	ValidationValid   bool
	ValidationAge     time.Duration
	IsExpired         bool
	ExpiresAt         time.Time
}

func (c *Cache) DebugState(token string) DebugState {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	var state DebugState
	if v, ok := c.validations[token]; ok {
		state.InValidationCache = true
		state.ValidationValid = v.valid
		state.ValidationAge = now.Sub(v.timestamp)
	}
	if claims, ok := c.tokens[token]; ok {
		state.InTokenCache = true
		state.IsExpired = claims.expired(now)
		state.ExpiresAt = claims.ExpiresAt
	}
	return state
}

package resilience

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/flowctl/internal/model"
)

// allowedCacheHeaders is the fixed, ordered allowlist the cache key hash
// is computed over (spec §6 "Cache key hash").
var allowedCacheHeaders = []string{"accept", "accept-encoding", "accept-language", "authorization"}

// CacheConfig configures the response Cache.
type CacheConfig struct {
	MaxSize             int
	DefaultTTL          time.Duration
	ExcludeMethods      map[model.Method]bool
	CacheableStatusCodes map[int]bool
	Keyer               func(req *model.RequestDescriptor) string
}

type cacheNode struct {
	key     string
	entry   model.CachedEntry
	elem    *list.Element
}

// Cache is a TTL+LRU response cache honoring HTTP cache-control semantics
// per spec §4.2, generalized from the teacher's DAG ResultCache (TTL map
// + periodic cleanup + oldest-eviction) into LRU recency tracking.
type Cache struct {
	mu      sync.Mutex
	cfg     CacheConfig
	entries map[string]*cacheNode
	order   *list.List // front = most-recently-used

	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
}

// NewCache constructs a Cache. Zero-value CacheableStatusCodes defaults to
// {200,203,300,301,410}; zero ExcludeMethods defaults to excluding POST/PUT/PATCH/DELETE.
func NewCache(cfg CacheConfig, meter metric.Meter) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.CacheableStatusCodes == nil {
		cfg.CacheableStatusCodes = map[int]bool{200: true, 203: true, 300: true, 301: true, 410: true}
	}
	if cfg.ExcludeMethods == nil {
		cfg.ExcludeMethods = map[model.Method]bool{
			model.MethodPost: true, model.MethodPut: true, model.MethodPatch: true, model.MethodDelete: true,
		}
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("flowctl-resilience")
	}
	hits, _ := meter.Int64Counter("flowctl_cache_hits_total")
	misses, _ := meter.Int64Counter("flowctl_cache_misses_total")
	evictions, _ := meter.Int64Counter("flowctl_cache_evictions_total")
	return &Cache{
		cfg:       cfg,
		entries:   make(map[string]*cacheNode),
		order:     list.New(),
		hits:      hits,
		misses:    misses,
		evictions: evictions,
	}
}

// Key computes the stable cache key for a request descriptor.
func (c *Cache) Key(req *model.RequestDescriptor) string {
	if c.cfg.Keyer != nil {
		return c.cfg.Keyer(req)
	}
	return KeyHash(req)
}

// KeyHash is the stable hex digest of method|url|sorted-params|selected-headers
// described in spec §6.
func KeyHash(req *model.RequestDescriptor) string {
	url := fmt.Sprintf("%s://%s:%d%s", req.Protocol, req.Host, req.Port, req.Path)
	paramKeys := make([]string, 0, len(req.Query))
	for k := range req.Query {
		paramKeys = append(paramKeys, k)
	}
	sort.Strings(paramKeys)
	params := make(map[string]any, len(paramKeys))
	for _, k := range paramKeys {
		params[k] = req.Query[k]
	}
	paramsJSON, _ := json.Marshal(params)

	headerParts := make([]string, 0, len(allowedCacheHeaders))
	for _, h := range allowedCacheHeaders {
		for k, v := range req.Headers {
			if strings.EqualFold(k, h) {
				headerParts = append(headerParts, fmt.Sprintf("%s=%v", h, v))
			}
		}
	}
	material := fmt.Sprintf("%s|%s|%s|h:%s", req.Method, url, string(paramsJSON), strings.Join(headerParts, "|"))
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry for req if present and not expired. An
// expired entry is lazily evicted, per spec §3's cache invariants.
func (c *Cache) Get(req *model.RequestDescriptor) (model.CachedEntry, bool) {
	key := c.Key(req)
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.entries[key]
	if !ok {
		c.misses.Add(context.Background(), 1)
		return model.CachedEntry{}, false
	}
	if !node.entry.ExpiresAt.IsZero() && !time.Now().Before(node.entry.ExpiresAt) {
		c.removeLocked(node)
		c.misses.Add(context.Background(), 1)
		return model.CachedEntry{}, false
	}
	c.order.MoveToFront(node.elem)
	c.hits.Add(context.Background(), 1)
	return node.entry, true
}

// Set stores a response in the cache if method/status/cache-control allow it.
func (c *Cache) Set(req *model.RequestDescriptor, status int, headers map[string]string, data any) {
	if c.cfg.ExcludeMethods[req.Method] {
		return
	}
	if !c.cfg.CacheableStatusCodes[status] {
		return
	}
	cacheControl := headerValue(headers, "cache-control")
	if strings.Contains(cacheControl, "no-store") || strings.Contains(cacheControl, "no-cache") {
		return
	}

	ttl := c.cfg.DefaultTTL
	if maxAge, ok := parseMaxAge(cacheControl); ok {
		ttl = maxAge
	} else if exp := headerValue(headers, "expires"); exp != "" {
		if t, err := time.Parse(time.RFC1123, exp); err == nil {
			ttl = time.Until(t)
		}
	}
	if ttl <= 0 {
		return
	}

	key := c.Key(req)
	now := time.Now()
	entry := model.CachedEntry{
		Data:      data,
		Status:    status,
		Headers:   headers,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.entries[key]; ok {
		node.entry = entry
		c.order.MoveToFront(node.elem)
		return
	}
	if len(c.entries) >= c.cfg.MaxSize {
		c.evictOldestLocked()
	}
	node := &cacheNode{key: key, entry: entry}
	node.elem = c.order.PushFront(node)
	c.entries[key] = node
}

func (c *Cache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	node := back.Value.(*cacheNode)
	c.removeLocked(node)
	c.evictions.Add(context.Background(), 1)
}

func (c *Cache) removeLocked(node *cacheNode) {
	c.order.Remove(node.elem)
	delete(c.entries, node.key)
}

// Prune eagerly removes all expired entries.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for e := c.order.Back(); e != nil; {
		prev := e.Prev()
		node := e.Value.(*cacheNode)
		if !node.entry.ExpiresAt.IsZero() && !now.Before(node.entry.ExpiresAt) {
			c.removeLocked(node)
			removed++
		}
		e = prev
	}
	return removed
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "max-age=") {
			secs, err := strconv.Atoi(strings.TrimPrefix(part, "max-age="))
			if err != nil {
				return 0, false
			}
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

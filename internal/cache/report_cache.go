// Package cache stores computed report results keyed by config fingerprint.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/fingerprint"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/kv"
)

const (
	KeyPrefix  = "report_cache:"
	DefaultTTL = 24 * time.Hour
)

type Entry struct {
	Fingerprint string              `json:"fingerprint"`
	Result      domain.ReportResult `json:"result"`
	Domains     []string            `json:"domains"`
	CachedAt    time.Time           `json:"cached_at"`
	GeneratedAt time.Time           `json:"generated_at"`
}

type Metadata struct {
	Domains     []string
	GeneratedAt time.Time
}

type Stats struct {
	TotalCached int     `json:"total_cached"`
	SizeInBytes int64   `json:"size_in_bytes"`
	HitRate     float64 `json:"hit_rate"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
}

type Config struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *zap.Logger
}

type ReportCache struct {
	store  kv.Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewReportCache(store kv.Store, config Config) *ReportCache {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &ReportCache{
		store:  store,
		ttl:    config.TTL,
		now:    config.Now,
		logger: config.Logger.With(zap.String("component", "cache")),
	}
}

func (c *ReportCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached result for config, if one is present and fresh.
func (c *ReportCache) Get(ctx context.Context, config domain.ReportConfig) (*domain.ReportResult, bool, error) {
	entry, ok, err := c.Lookup(ctx, fingerprint.Fingerprint(config))
	if err != nil || !ok {
		return nil, false, err
	}
	result := entry.Result
	return &result, true, nil
}

// Lookup reads the entry for a fingerprint. Entries older than the TTL are
// evicted and reported absent even if the backend has not expired them yet.
func (c *ReportCache) Lookup(ctx context.Context, fp string) (*Entry, bool, error) {
	key := KeyPrefix + fp
	raw, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("dropping unreadable cache entry", zap.String("fingerprint", fp), zap.Error(err))
		c.evict(ctx, key)
		c.misses.Add(1)
		return nil, false, nil
	}
	if c.now().Sub(entry.CachedAt) > c.ttl {
		c.evict(ctx, key)
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	return &entry, true, nil
}

func (c *ReportCache) Put(ctx context.Context, config domain.ReportConfig, result domain.ReportResult, metadata Metadata) error {
	domains := metadata.Domains
	if len(domains) == 0 {
		domains = config.Domains
	}
	domains = append([]string(nil), domains...)
	sort.Strings(domains)

	generatedAt := metadata.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = result.GeneratedAt
	}

	fp := fingerprint.Fingerprint(config)
	entry := Entry{
		Fingerprint: fp,
		Result:      result,
		Domains:     domains,
		CachedAt:    c.now(),
		GeneratedAt: generatedAt,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.store.Set(ctx, KeyPrefix+fp, raw, c.ttl); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

func (c *ReportCache) Invalidate(ctx context.Context, config domain.ReportConfig) error {
	if err := c.store.Delete(ctx, KeyPrefix+fingerprint.Fingerprint(config)); err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

// InvalidateDomain removes every entry whose covered domains include
// domainName and returns how many were removed. It walks all entries.
func (c *ReportCache) InvalidateDomain(ctx context.Context, domainName string) (int, error) {
	keys, err := c.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}

	stale := make([]string, 0)
	for _, key := range keys {
		raw, err := c.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read cache entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			c.logger.Warn("skipping unreadable cache entry", zap.String("key", key), zap.Error(err))
			continue
		}
		if covers(entry.Domains, domainName) {
			stale = append(stale, key)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if err := c.store.Delete(ctx, stale...); err != nil {
		return 0, fmt.Errorf("delete cache entries: %w", err)
	}
	c.logger.Info("invalidated cache domain",
		zap.String("domain", domainName),
		zap.Int("entries", len(stale)),
	)
	return len(stale), nil
}

func (c *ReportCache) Stats(ctx context.Context) (Stats, error) {
	keys, err := c.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return Stats{}, fmt.Errorf("list cache entries: %w", err)
	}

	stats := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	for _, key := range keys {
		raw, err := c.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return Stats{}, fmt.Errorf("read cache entry: %w", err)
		}
		stats.TotalCached++
		stats.SizeInBytes += int64(len(raw))
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats, nil
}

func (c *ReportCache) evict(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("evict cache entry", zap.String("key", strings.TrimPrefix(key, KeyPrefix)), zap.Error(err))
	}
}

func covers(domains []string, domainName string) bool {
	for _, name := range domains {
		if name == domainName {
			return true
		}
	}
	return false
}

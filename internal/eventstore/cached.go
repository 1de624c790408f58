package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jcvi-cohort-engine/internal/domain"
)

const patientKeyPrefix = "jcvi:patient:"

// NewRedisClient connects to the Redis instance named by cfg.RedisURL.
func NewRedisClient(cfg domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// cachedPatient is the Redis payload for one patient history.
type cachedPatient struct {
	Patient   *domain.Patient `json:"patient"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CacheStats tracks cache effectiveness per tier.
type CacheStats struct {
	MemoryHits int64 `json:"memory_hits"`
	RedisHits  int64 `json:"redis_hits"`
	Misses     int64 `json:"misses"`
	Errors     int64 `json:"errors"`
}

// HitRatio returns the share of fetches served from either tier.
func (s CacheStats) HitRatio() float64 {
	total := s.MemoryHits + s.RedisHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.MemoryHits+s.RedisHits) / float64(total)
}

// CachedSource puts an in-process LRU and an optional shared Redis tier in
// front of another Source. Patient histories are immutable for the life of a
// run, so entries are only dropped by TTL or eviction.
type CachedSource struct {
	source Source
	memory *lru.Cache[string, *domain.Patient]
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger

	mu    sync.Mutex
	stats CacheStats
}

// NewCachedSource wraps source. redisClient may be nil for a memory-only cache.
func NewCachedSource(source Source, cfg domain.CacheConfig, redisClient *redis.Client, logger *logrus.Logger) (*CachedSource, error) {
	size := cfg.MemoryItems
	if size <= 0 {
		size = 10000
	}
	memory, err := lru.New[string, *domain.Patient](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &CachedSource{
		source: source,
		memory: memory,
		redis:  redisClient,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Fetch returns the patient from the first tier that has it, filling the
// faster tiers on the way back.
func (c *CachedSource) Fetch(ctx context.Context, patientID string) (*domain.Patient, error) {
	if p, ok := c.memory.Get(patientID); ok {
		c.record(func(s *CacheStats) { s.MemoryHits++ })
		return p, nil
	}

	if c.redis != nil {
		p, ok, err := c.getRedis(ctx, patientID)
		if err != nil {
			c.record(func(s *CacheStats) { s.Errors++ })
			c.logger.WithError(err).WithFields(logrus.Fields{
				"patient_id": patientID,
				"cache_tier": "redis",
			}).Warn("Patient cache read failed")
		}
		if ok {
			c.record(func(s *CacheStats) { s.RedisHits++ })
			c.memory.Add(patientID, p)
			return p, nil
		}
	}

	c.record(func(s *CacheStats) { s.Misses++ })
	p, err := c.source.Fetch(ctx, patientID)
	if err != nil {
		return nil, err
	}

	c.memory.Add(patientID, p)
	if c.redis != nil {
		if err := c.setRedis(ctx, p); err != nil {
			c.record(func(s *CacheStats) { s.Errors++ })
			c.logger.WithError(err).WithFields(logrus.Fields{
				"patient_id": patientID,
				"cache_tier": "redis",
			}).Warn("Patient cache write failed")
		}
	}
	return p, nil
}

// PatientIDs is never cached.
func (c *CachedSource) PatientIDs(ctx context.Context) ([]string, error) {
	return c.source.PatientIDs(ctx)
}

// Invalidate drops a patient from both tiers.
func (c *CachedSource) Invalidate(ctx context.Context, patientID string) error {
	c.memory.Remove(patientID)
	if c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, patientKeyPrefix+patientID).Err()
}

// Stats returns a snapshot of the hit counters.
func (c *CachedSource) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *CachedSource) record(update func(*CacheStats)) {
	c.mu.Lock()
	update(&c.stats)
	c.mu.Unlock()
}

func (c *CachedSource) getRedis(ctx context.Context, patientID string) (*domain.Patient, bool, error) {
	key := patientKeyPrefix + patientID

	val, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached patient: %w", err)
	}

	var cached cachedPatient
	if err := json.Unmarshal(val, &cached); err != nil || cached.Patient == nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Patient, true, nil
}

func (c *CachedSource) setRedis(ctx context.Context, p *domain.Patient) error {
	now := time.Now()
	data, err := json.Marshal(cachedPatient{
		Patient:   p,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal patient cache data: %w", err)
	}
	return c.redis.Set(ctx, patientKeyPrefix+p.ID, data, c.ttl).Err()
}

package cache

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const numShards = 16

// DefaultStaleRetention 过期条目保留多久以便降级读取
const DefaultStaleRetention = 10 * time.Minute

// Entry 缓存条目
type Entry struct {
	Key      string
	Value    any
	StoredAt time.Time
	TTL      time.Duration
}

func (e Entry) age(now time.Time) time.Duration { return now.Sub(e.StoredAt) }

// fresh 存活时间未超过 TTL（恰好等于 TTL 仍算新鲜）
func (e Entry) fresh(now time.Time) bool { return e.age(now) <= e.TTL }

// Config 缓存配置
type Config struct {
	// StaleRetention 条目过期后仍保留的时长；0 表示 Sweep 时立即删除过期条目
	StaleRetention time.Duration
	Now            func() time.Time
}

// Stats 缓存统计
type Stats struct {
	Entries     int            `json:"entries"`
	Expired     int            `json:"expired"`
	Hits        uint64         `json:"hits"`
	Misses      uint64         `json:"misses"`
	StaleHits   uint64         `json:"stale_hits"`
	Evicted     uint64         `json:"evicted"`
	OldestAge   time.Duration  `json:"oldest_age"`
	ShardCounts [numShards]int `json:"shard_counts"`
}

// Cache 分片 TTL 缓存，每个分片一把读写锁。
type Cache struct {
	shards    [numShards]*shard
	retention time.Duration
	now       func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	staleHits atomic.Uint64
	evicted   atomic.Uint64
}

type shard struct {
	mu    sync.RWMutex
	items map[string]Entry
}

// New 创建缓存
func New(cfg Config) *Cache {
	if cfg.StaleRetention < 0 {
		cfg.StaleRetention = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Cache{retention: cfg.StaleRetention, now: cfg.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]Entry)}
	}
	return c
}

func (c *Cache) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Key 由方法名和参数拼出缓存键
func Key(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}
	var b strings.Builder
	b.WriteString(method)
	for _, a := range args {
		b.WriteByte('|')
		fmt.Fprint(&b, a)
	}
	return b.String()
}

func (c *Cache) lookup(key string) (Entry, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok
}

// Get 返回未过期的值
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.lookup(key)
	if !ok || !e.fresh(c.now()) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.Value, true
}

// GetStale 允许读取已过期（但仍在保留期内）的值，同时返回条目年龄
func (c *Cache) GetStale(key string) (any, time.Duration, bool) {
	e, ok := c.lookup(key)
	if !ok {
		return nil, 0, false
	}
	age := e.age(c.now())
	if age > e.TTL+c.retention {
		return nil, 0, false
	}
	c.staleHits.Add(1)
	return e.Value, age, true
}

// Put 写入或覆盖；ttl<=0 的条目立即视为过期，只能作为降级数据读取
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = Entry{Key: key, Value: value, StoredAt: c.now(), TTL: ttl}
	s.mu.Unlock()
}

// Invalidate 删除条目
func (c *Cache) Invalidate(keys ...string) {
	for _, key := range keys {
		s := c.getShard(key)
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
	}
}

// InvalidatePrefix 删除所有以 prefix 开头的条目，返回删除数量
func (c *Cache) InvalidatePrefix(prefix string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.items {
			if strings.HasPrefix(k, prefix) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Sweep 清理超过 TTL+保留期 的条目
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.age(now) > e.TTL+c.retention {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.evicted.Add(uint64(removed))
	return removed
}

// Len 条目总数（含过期未清理的）
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Stats 统计信息
func (c *Cache) Stats() Stats {
	now := c.now()
	st := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		StaleHits: c.staleHits.Load(),
		Evicted:   c.evicted.Load(),
	}
	var oldest time.Time
	for i, s := range c.shards {
		s.mu.RLock()
		st.ShardCounts[i] = len(s.items)
		st.Entries += len(s.items)
		for _, e := range s.items {
			if !e.fresh(now) {
				st.Expired++
			}
			if oldest.IsZero() || e.StoredAt.Before(oldest) {
				oldest = e.StoredAt
			}
		}
		s.mu.RUnlock()
	}
	if !oldest.IsZero() {
		st.OldestAge = now.Sub(oldest)
	}
	return st
}

package cache

import (
	"context"
	"sync"
)

// GroupStats is the per-group slice of the counters.
type GroupStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Deletes   uint64  `json:"deletes"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	Items     int     `json:"items"`
	Bytes     int64   `json:"bytes"`
}

// Stats is the snapshot returned to the ops dashboard.
type Stats struct {
	Hits       uint64                `json:"hits"`
	Misses     uint64                `json:"misses"`
	Sets       uint64                `json:"sets"`
	Deletes    uint64                `json:"deletes"`
	Evictions  uint64                `json:"evictions"`
	HitRate    float64               `json:"hit_rate"`
	TotalBytes int64                 `json:"total_size"`
	PerGroup   map[string]GroupStats `json:"per_group"`
}

// Health is a coarse judgement over the stats, for dashboards that just want
// a traffic light.
type Health struct {
	Status  string  `json:"status"` // ok | degraded
	HitRate float64 `json:"hit_rate"`
	Reason  string  `json:"reason,omitempty"`
}

// statsCollector holds the in-process counters. One per Cache instance, so
// test cases never share counter state.
type statsCollector struct {
	mu     sync.Mutex
	groups map[string]*GroupStats
}

func newStatsCollector() *statsCollector {
	return &statsCollector{groups: make(map[string]*GroupStats)}
}

func (s *statsCollector) group(name string) *GroupStats {
	g, ok := s.groups[name]
	if !ok {
		g = &GroupStats{}
		s.groups[name] = g
	}
	return g
}

func (s *statsCollector) hit(group string) {
	s.mu.Lock()
	s.group(group).Hits++
	s.mu.Unlock()
}

func (s *statsCollector) miss(group string) {
	s.mu.Lock()
	s.group(group).Misses++
	s.mu.Unlock()
}

func (s *statsCollector) set(group string) {
	s.mu.Lock()
	s.group(group).Sets++
	s.mu.Unlock()
}

func (s *statsCollector) deleteN(group string, n int) {
	s.mu.Lock()
	s.group(group).Deletes += uint64(n)
	s.mu.Unlock()
}

func (s *statsCollector) evict(group string, n int) {
	s.mu.Lock()
	s.group(group).Evictions += uint64(n)
	s.mu.Unlock()
}

// Stats assembles the counter snapshot plus current size accounting from the
// group index records.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.stats.mu.Lock()
	out := Stats{PerGroup: make(map[string]GroupStats, len(c.stats.groups))}
	for name, g := range c.stats.groups {
		out.PerGroup[name] = *g
		out.Hits += g.Hits
		out.Misses += g.Misses
		out.Sets += g.Sets
		out.Deletes += g.Deletes
		out.Evictions += g.Evictions
	}
	c.stats.mu.Unlock()

	for name, g := range out.PerGroup {
		items, bytes := c.GroupSize(ctx, name)
		g.Items = items
		g.Bytes = bytes
		if g.Hits+g.Misses > 0 {
			g.HitRate = float64(g.Hits) / float64(g.Hits+g.Misses)
		}
		out.PerGroup[name] = g
		out.TotalBytes += bytes
	}
	if out.Hits+out.Misses > 0 {
		out.HitRate = float64(out.Hits) / float64(out.Hits+out.Misses)
	}
	return out
}

// GetHealth reduces the stats to ok/degraded for the ops dashboard.
func (c *Cache) GetHealth(ctx context.Context) Health {
	s := c.Stats(ctx)

	h := Health{Status: "ok", HitRate: s.HitRate}
	if s.Hits+s.Misses >= 100 && s.HitRate < 0.2 {
		h.Status = "degraded"
		h.Reason = "hit rate below 20%"
	}
	return h
}

// Package cache provides the short-TTL store the dispatch core leans on:
// cleaner status snapshots, regional queue positions, utilization figures,
// allocation metrics, and the dashboard stats hash. A Redis backend is used
// when reachable; otherwise an in-process store with the same semantics
// takes over transparently.
package cache

import (
	"context"
	"fmt"
	"time"
)

// TTLs and key prefixes shared by the core's cache users.
const (
	CleanerStatusTTL = 30 * time.Second
	QueueTTL         = time.Hour
	UtilizationTTL   = 5 * time.Minute
	MetricsTTL       = 24 * time.Hour
)

// Member is one element of a sorted set with its score.
type Member struct {
	Score float64
	Value string
}

// Cache is the contract both backends satisfy. All operations take a
// context; the Redis backend honours its deadline, the memory backend
// ignores it.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Expire bounds the lifetime of key regardless of its type. Hashes
	// and sorted sets are created without a TTL, so writers that want
	// one set it explicitly after the first write.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	ZAdd(ctx context.Context, key string, members ...Member) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// CleanerStatusKey caches an employee's operational status for 30 s.
func CleanerStatusKey(employeeID string) string {
	return "cleaner:status:" + employeeID
}

// QueueKey caches a region's {employee id -> queue position} map for 1 h.
func QueueKey(regionCode string) string {
	return "cleaner:queue:" + regionCode
}

// UtilizationKey caches a region-date utilization figure for 5 min.
func UtilizationKey(regionCode, date string) string {
	return fmt.Sprintf("utilization:%s:%s", regionCode, date)
}

// MetricsKey caches per-region-per-day allocation counters for 24 h.
func MetricsKey(regionCode, date string) string {
	return fmt.Sprintf("allocation:metrics:%s:%s", regionCode, date)
}

// RecentJobsKey is the sorted set of recent booking ids for a region.
func RecentJobsKey(regionCode string) string {
	return "recent_jobs:" + regionCode
}

// DashboardStatsKey is the hash backing the realtime dashboard counters.
const DashboardStatsKey = "dashboard:stats"

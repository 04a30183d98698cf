package allocation

import (
	"context"
	"strconv"
	"time"

	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/logger"
	"github.com/brighthome/dispatch/region"
)

// Metric field names within the per-region-per-day hash.
const (
	metricTotal      = "total_allocations"
	metricSuccessful = "successful"
	metricFailed     = "failed"
	metricAvgTimeMS  = "avg_time_ms"
)

// Metrics is the daily allocation counter snapshot for one region.
type Metrics struct {
	Region           region.Code `json:"region"`
	Date             string      `json:"date"`
	TotalAllocations int64       `json:"total_allocations"`
	Successful       int64       `json:"successful"`
	Failed           int64       `json:"failed"`
	AvgTimeMS        float64     `json:"avg_time_ms"`
}

// recordMetrics updates the (region, today) counters after one attempt.
// Metric writes are best effort; an unreachable cache never fails an
// allocation.
func (e *Engine) recordMetrics(ctx context.Context, regionCode region.Code, result *Result) {
	date := time.Now().UTC().Format("2006-01-02")
	key := cache.MetricsKey(string(regionCode), date)

	total, err := e.cache.HIncrBy(ctx, key, metricTotal, 1)
	if err != nil {
		e.log.Warnw("Allocation metrics write failed",
			logger.FieldRegion, regionCode, logger.FieldError, err)
		return
	}
	// The first increment creates the hash; bound its lifetime so old
	// days age out of the cache.
	if total == 1 {
		if err := e.cache.Expire(ctx, key, cache.MetricsTTL); err != nil {
			e.log.Warnw("Allocation metrics expiry failed",
				logger.FieldRegion, regionCode, logger.FieldError, err)
		}
	}

	if !result.Success {
		if _, err := e.cache.HIncrBy(ctx, key, metricFailed, 1); err != nil {
			e.log.Warnw("Allocation metrics write failed",
				logger.FieldRegion, regionCode, logger.FieldError, err)
		}
		return
	}

	successes, err := e.cache.HIncrBy(ctx, key, metricSuccessful, 1)
	if err != nil {
		e.log.Warnw("Allocation metrics write failed",
			logger.FieldRegion, regionCode, logger.FieldError, err)
		return
	}

	// Rolling average over successful attempts.
	previous := 0.0
	if raw, ok, err := e.cache.HGet(ctx, key, metricAvgTimeMS); err == nil && ok {
		previous, _ = strconv.ParseFloat(raw, 64)
	}
	avg := (previous*float64(successes-1) + float64(result.ElapsedMS)) / float64(successes)
	if err := e.cache.HSet(ctx, key, map[string]string{
		metricAvgTimeMS: strconv.FormatFloat(avg, 'f', 2, 64),
	}); err != nil {
		e.log.Warnw("Allocation metrics write failed",
			logger.FieldRegion, regionCode, logger.FieldError, err)
	}
}

// MetricsFor reads the counter snapshot for one region and date
// (YYYY-MM-DD). Absent fields read as zero.
func (e *Engine) MetricsFor(ctx context.Context, regionCode region.Code, date string) (*Metrics, error) {
	fields, err := e.cache.HGetAll(ctx, cache.MetricsKey(string(regionCode), date))
	if err != nil {
		return nil, err
	}

	intField := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}
	avg, _ := strconv.ParseFloat(fields[metricAvgTimeMS], 64)

	return &Metrics{
		Region:           regionCode,
		Date:             date,
		TotalAllocations: intField(metricTotal),
		Successful:       intField(metricSuccessful),
		Failed:           intField(metricFailed),
		AvgTimeMS:        avg,
	}, nil
}

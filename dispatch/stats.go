package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/brighthome/dispatch/booking"
	"github.com/brighthome/dispatch/bus"
	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/employee"
	"github.com/brighthome/dispatch/logger"
)

// Stats is the realtime dashboard snapshot.
type Stats struct {
	Jobs          map[booking.Status]int
	Cleaners      map[employee.OperationalStatus]int
	CPUPercent    float64
	MemoryPercent float64
	GeneratedAt   time.Time
}

// RealtimeStats gathers job and cleaner counts plus host load, writes the
// snapshot to the dashboard cache hash, and publishes it on the bus.
func (s *Service) RealtimeStats(ctx context.Context) (*Stats, error) {
	jobs, err := s.bookings.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	active, err := s.employees.Store().ListActive(ctx)
	if err != nil {
		return nil, err
	}
	cleaners := make(map[employee.OperationalStatus]int, 4)
	for _, e := range active {
		cleaners[e.OperationalStatus]++
	}

	stats := &Stats{
		Jobs:        jobs,
		Cleaners:    cleaners,
		GeneratedAt: time.Now().UTC(),
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	}

	fields := map[string]string{
		"generated_at":   stats.GeneratedAt.Format(time.RFC3339),
		"cpu_percent":    strconv.FormatFloat(stats.CPUPercent, 'f', 2, 64),
		"memory_percent": strconv.FormatFloat(stats.MemoryPercent, 'f', 2, 64),
	}
	for status, count := range jobs {
		fields["jobs:"+string(status)] = strconv.Itoa(count)
	}
	for status, count := range cleaners {
		fields["cleaners:"+string(status)] = strconv.Itoa(count)
	}
	if err := s.cache.HSet(ctx, cache.DashboardStatsKey, fields); err != nil {
		s.log.Warnw("Dashboard stats cache write failed", logger.FieldError, err)
	}

	s.bus.Publish(bus.StatsUpdated, map[string]interface{}{
		"jobs":           jobs,
		"cleaners":       cleaners,
		"cpu_percent":    stats.CPUPercent,
		"memory_percent": stats.MemoryPercent,
		"timestamp":      stats.GeneratedAt.Format(time.RFC3339),
	})
	return stats, nil
}

package allocation

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/region"
)

// QueuePositions returns the {employee id -> position} map for a region.
// Positions rank active cleaners by the end time of their most recent
// completed job, ascending; cleaners who have never worked rank first.
// The map is cached for an hour and invalidated whenever an allocation
// or completion changes the region's queue.
func (e *Engine) QueuePositions(ctx context.Context, regionCode region.Code) (map[string]int, error) {
	key := cache.QueueKey(string(regionCode))
	if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		var cached map[string]int
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
		// A corrupt entry is dropped and recomputed.
		_ = e.cache.Delete(ctx, key)
	}

	times, err := e.bookings.LastCompletionTimes(ctx, regionCode)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(times))
	for id := range times {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := times[ids[i]], times[ids[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ids[i] < ids[j]
	})

	positions := make(map[string]int, len(ids))
	for i, id := range ids {
		positions[id] = i + 1
	}

	if raw, err := json.Marshal(positions); err == nil {
		if err := e.cache.Set(ctx, key, string(raw), cache.QueueTTL); err != nil {
			e.log.Warnw("Queue cache write failed", "region", regionCode, "error", err)
		}
	}
	return positions, nil
}

// QueueEntry is one row of a region's queue, for operator views.
type QueueEntry struct {
	EmployeeID string `json:"employee_id"`
	Position   int    `json:"position"`
}

// QueueStatus returns a region's queue ordered by position.
func (e *Engine) QueueStatus(ctx context.Context, regionCode region.Code) ([]QueueEntry, error) {
	if !region.Valid(regionCode) {
		return nil, errors.NewBadRequestError("unknown region %s", regionCode)
	}
	positions, err := e.QueuePositions(ctx, regionCode)
	if err != nil {
		return nil, err
	}

	out := make([]QueueEntry, 0, len(positions))
	for id, pos := range positions {
		out = append(out, QueueEntry{EmployeeID: id, Position: pos})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// queueScore normalises a position into (0, 1) as 1 - pos/(max+1):
// the front of the queue scores highest, the back lowest, and a lone
// cleaner sits at the neutral 0.5. Unknown cleaners (pulled in by region
// expansion before their queue is computed) also get 0.5.
func queueScore(positions map[string]int, employeeID string) float64 {
	position, ok := positions[employeeID]
	if !ok {
		return 0.5
	}
	max := 0
	for _, p := range positions {
		if p > max {
			max = p
		}
	}
	return 1.0 - float64(position)/float64(max+1)
}

package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/brighthome/dispatch/errors"
)

// Memory is the in-process fallback backend. TTLs are honoured lazily on
// read; a janitor goroutine also sweeps expired entries so an idle process
// does not accumulate dead keys.
type Memory struct {
	mu     sync.RWMutex
	values map[string]memoryValue
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64

	// deadlines carries Expire deadlines for hashes and sorted sets,
	// which have no per-entry expiry of their own.
	deadlines map[string]time.Time

	done chan struct{}
	once sync.Once
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an in-process cache backend.
func NewMemory() *Memory {
	m := &Memory{
		values:    make(map[string]memoryValue),
		hashes:    make(map[string]map[string]string),
		zsets:     make(map[string]map[string]float64),
		deadlines: make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, v := range m.values {
				if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
					delete(m.values, key)
				}
			}
			for key, deadline := range m.deadlines {
				if now.After(deadline) {
					m.dropLocked(key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// dropLocked removes key from every namespace. Callers hold the write lock.
func (m *Memory) dropLocked(key string) {
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.zsets, key)
	delete(m.deadlines, key)
}

// pastDeadline reports whether an Expire deadline for key has lapsed.
// Callers hold at least the read lock.
func (m *Memory) pastDeadline(key string) bool {
	deadline, ok := m.deadlines[key]
	return ok && time.Now().After(deadline)
}

// Get returns the value for key, reporting whether it exists and is live.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		m.mu.Lock()
		delete(m.values, key)
		m.mu.Unlock()
		return "", false, nil
	}
	return v.value, true, nil
}

// Set stores value under key. A ttl of zero means no expiry.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.values[key] = memoryValue{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

// Delete removes key from all namespaces.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	m.dropLocked(key)
	m.mu.Unlock()
	return nil
}

// HGet returns one hash field.
func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok || m.pastDeadline(key) {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

// HSet sets the given hash fields, creating the hash if needed.
func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pastDeadline(key) {
		m.dropLocked(key)
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

// HIncrBy adds delta to an integer hash field and returns the new value.
func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pastDeadline(key) {
		m.dropLocked(key)
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	current := int64(0)
	if raw, ok := h[field]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "hash field %s.%s is not an integer", key, field)
		}
		current = parsed
	}
	current += delta
	h[field] = strconv.FormatInt(current, 10)
	return current, nil
}

// HGetAll returns a copy of the hash at key.
func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok || m.pastDeadline(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out, nil
}

// ZAdd adds members to the sorted set at key, overwriting scores.
func (m *Memory) ZAdd(_ context.Context, key string, members ...Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pastDeadline(key) {
		m.dropLocked(key)
	}
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64, len(members))
		m.zsets[key] = z
	}
	for _, member := range members {
		z[member.Value] = member.Score
	}
	return nil
}

// ZRange returns members ordered by ascending score over the half-open
// rank range [start, stop], with Redis semantics for negative indices.
func (m *Memory) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	z, ok := m.zsets[key]
	if !ok || m.pastDeadline(key) {
		m.mu.RUnlock()
		return nil, nil
	}
	members := make([]Member, 0, len(z))
	for v, score := range z {
		members = append(members, Member{Score: score, Value: v})
	}
	m.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Value < members[j].Value
	})

	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}

	out := make([]string, 0, stop-start+1)
	for _, member := range members[start : stop+1] {
		out = append(out, member.Value)
	}
	return out, nil
}

// Expire bounds the lifetime of key. Plain values get their entry expiry
// rewritten; hashes and sorted sets get a deadline checked lazily on
// access and swept by the janitor. A ttl of zero or less drops the key
// immediately.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl <= 0 {
		m.dropLocked(key)
		return nil
	}
	deadline := time.Now().Add(ttl)
	if v, ok := m.values[key]; ok {
		v.expiresAt = deadline
		m.values[key] = v
	}
	if _, ok := m.hashes[key]; ok {
		m.deadlines[key] = deadline
	}
	if _, ok := m.zsets[key]; ok {
		m.deadlines[key] = deadline
	}
	return nil
}

// Ping always succeeds for the in-process backend.
func (m *Memory) Ping(_ context.Context) error {
	return nil
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.done)
	})
	return nil
}

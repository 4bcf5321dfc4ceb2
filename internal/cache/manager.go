package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DefaultVersion is the bucket version suffix.
const DefaultVersion = "1"

type memKey struct {
	class Class
	key   string
}

type counters struct {
	hits        int64
	misses      int64
	storeErrors int64
}

// Manager is the tiered cache. Every operation is safe for concurrent use.
// Durable-tier failures are logged and swallowed; a broken store behaves as a
// permanent miss while the memory tier keeps serving.
type Manager struct {
	store   Store
	version string
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	memory   map[memKey]Entry
	counters map[Class]*counters

	hitCounter  metric.Int64Counter
	missCounter metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the durable tier. Without one the Manager is memory-only.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithVersion sets the bucket version suffix.
func WithVersion(v string) Option {
	return func(m *Manager) {
		if v != "" {
			m.version = v
		}
	}
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMeter records hit and miss counters on meter.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) { m.instrument(meter) }
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		version:  DefaultVersion,
		logger:   zerolog.Nop(),
		now:      time.Now,
		memory:   make(map[memKey]Entry),
		counters: make(map[Class]*counters, len(Classes)),
	}
	for _, c := range Classes {
		m.counters[c] = &counters{}
	}
	m.instrument(otel.Meter("github.com/ehr/medcalc/internal/cache"))
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) instrument(meter metric.Meter) {
	var err error
	if m.hitCounter, err = meter.Int64Counter("medcalc.cache.hits",
		metric.WithDescription("Cache lookups served from either tier")); err != nil {
		m.hitCounter = noop.Int64Counter{}
	}
	if m.missCounter, err = meter.Int64Counter("medcalc.cache.misses",
		metric.WithDescription("Cache lookups that found nothing usable")); err != nil {
		m.missCounter = noop.Int64Counter{}
	}
}

// Version returns the bucket version suffix.
func (m *Manager) Version() string { return m.version }

// Set stores value under (class, key). A zero ttl applies the class default;
// NoExpiry stores an entry that never expires. The memory tier is always
// updated; the durable write is best effort.
func (m *Manager) Set(ctx context.Context, class Class, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn().Err(err).Str("class", string(class)).Str("key", key).Msg("cache value not serializable; skipped")
		m.countError(class)
		return
	}
	if ttl == 0 {
		ttl = class.DefaultTTL()
	}
	entry := newEntry(data, m.now(), ttl)

	m.mu.Lock()
	m.memory[memKey{class, key}] = entry
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		m.countError(class)
		return
	}
	if err := m.store.Put(ctx, class.Bucket(m.version), key, raw); err != nil {
		m.logger.Warn().Err(err).Str("class", string(class)).Str("key", key).Msg("durable cache write failed")
		m.countError(class)
	}
}

// Get decodes the value under (class, key) into dst. It returns false on a
// miss, on expiry, and when the stored value does not decode into dst.
func (m *Manager) Get(ctx context.Context, class Class, key string, dst interface{}) bool {
	return m.decode(ctx, class, key, dst, true)
}

// GetUnchecked is Get without the expiry check.
func (m *Manager) GetUnchecked(ctx context.Context, class Class, key string, dst interface{}) bool {
	return m.decode(ctx, class, key, dst, false)
}

// GetRaw returns the serialized value under (class, key).
func (m *Manager) GetRaw(ctx context.Context, class Class, key string) (json.RawMessage, bool) {
	e, ok := m.lookup(ctx, class, key, true)
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), e.Data...), true
}

// Entry returns the stored entry, including its timestamps.
func (m *Manager) Entry(ctx context.Context, class Class, key string) (Entry, bool) {
	return m.lookup(ctx, class, key, true)
}

func (m *Manager) decode(ctx context.Context, class Class, key string, dst interface{}, checkExpiry bool) bool {
	e, ok := m.lookup(ctx, class, key, checkExpiry)
	if !ok {
		return false
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		m.logger.Warn().Err(err).Str("class", string(class)).Str("key", key).Msg("cached value does not decode; evicting")
		m.Remove(ctx, class, key)
		return false
	}
	return true
}

func (m *Manager) lookup(ctx context.Context, class Class, key string, checkExpiry bool) (Entry, bool) {
	now := m.now()
	mk := memKey{class, key}

	m.mu.RLock()
	e, ok := m.memory[mk]
	m.mu.RUnlock()
	if ok {
		if !checkExpiry || !e.Expired(now) {
			m.hit(ctx, class)
			return e, true
		}
		m.mu.Lock()
		if cur, still := m.memory[mk]; still && cur.Expired(now) {
			delete(m.memory, mk)
		}
		m.mu.Unlock()
	}

	e, ok = m.loadDurable(ctx, class, key)
	if !ok {
		m.miss(ctx, class)
		return Entry{}, false
	}
	if checkExpiry && e.Expired(now) {
		m.deleteDurable(ctx, class, key)
		m.miss(ctx, class)
		return Entry{}, false
	}

	m.mu.Lock()
	m.memory[mk] = e
	m.mu.Unlock()
	m.hit(ctx, class)
	return e, true
}

// loadDurable reads and decodes an entry. Corrupt entries are deleted.
func (m *Manager) loadDurable(ctx context.Context, class Class, key string) (Entry, bool) {
	if m.store == nil {
		return Entry{}, false
	}
	raw, err := m.store.Get(ctx, class.Bucket(m.version), key)
	if errors.Is(err, ErrCorrupt) {
		m.logger.Warn().Err(err).Str("class", string(class)).Str("key", key).Msg("unreadable durable cache entry; deleting")
		m.deleteDurable(ctx, class, key)
		return Entry{}, false
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn().Err(err).Str("class", string(class)).Str("key", key).Msg("durable cache read failed")
			m.countError(class)
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Data == nil {
		m.logger.Warn().Str("class", string(class)).Str("key", key).Msg("corrupt durable cache entry; deleting")
		m.deleteDurable(ctx, class, key)
		return Entry{}, false
	}
	return e, true
}

func (m *Manager) deleteDurable(ctx context.Context, class Class, key string) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, class.Bucket(m.version), key); err != nil {
		m.logger.Warn().Err(err).Str("class", string(class)).Str("key", key).Msg("durable cache delete failed")
		m.countError(class)
	}
}

// Remove evicts (class, key) from both tiers.
func (m *Manager) Remove(ctx context.Context, class Class, key string) {
	m.mu.Lock()
	delete(m.memory, memKey{class, key})
	m.mu.Unlock()
	m.deleteDurable(ctx, class, key)
}

// ClearCache empties one class in both tiers.
func (m *Manager) ClearCache(ctx context.Context, class Class) {
	m.mu.Lock()
	for k := range m.memory {
		if k.class == class {
			delete(m.memory, k)
		}
	}
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.Clear(ctx, class.Bucket(m.version)); err != nil {
		m.logger.Warn().Err(err).Str("class", string(class)).Msg("durable cache clear failed")
		m.countError(class)
	}
}

// ClearAllCaches empties every class.
func (m *Manager) ClearAllCaches(ctx context.Context) {
	for _, c := range Classes {
		m.ClearCache(ctx, c)
	}
}

// CleanExpired sweeps a class, deleting every expired or unreadable entry.
// It returns the number of durable entries removed.
func (m *Manager) CleanExpired(ctx context.Context, class Class) int {
	now := m.now()

	m.mu.Lock()
	for k, e := range m.memory {
		if k.class == class && e.Expired(now) {
			delete(m.memory, k)
		}
	}
	m.mu.Unlock()

	if m.store == nil {
		return 0
	}
	bucket := class.Bucket(m.version)
	keys, err := m.store.Keys(ctx, bucket)
	if err != nil {
		m.logger.Warn().Err(err).Str("class", string(class)).Msg("durable cache enumeration failed")
		m.countError(class)
		return 0
	}

	removed := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		raw, err := m.store.Get(ctx, bucket, key)
		if err != nil && !errors.Is(err, ErrCorrupt) {
			continue
		}
		var e Entry
		if err == nil && json.Unmarshal(raw, &e) == nil && e.Data != nil && !e.Expired(now) {
			continue
		}
		if err := m.store.Delete(ctx, bucket, key); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug().Str("class", string(class)).Int("removed", removed).Msg("expired cache entries removed")
	}
	return removed
}

// RemoveMatching evicts every key of class for which match returns true, in
// both tiers, and returns the number of distinct keys removed.
func (m *Manager) RemoveMatching(ctx context.Context, class Class, match func(key string) bool) int {
	removed := make(map[string]struct{})

	m.mu.Lock()
	for k := range m.memory {
		if k.class == class && match(k.key) {
			delete(m.memory, k)
			removed[k.key] = struct{}{}
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		bucket := class.Bucket(m.version)
		keys, err := m.store.Keys(ctx, bucket)
		if err != nil {
			m.logger.Warn().Err(err).Str("class", string(class)).Msg("durable cache enumeration failed")
			m.countError(class)
		}
		for _, key := range keys {
			if !match(key) {
				continue
			}
			if err := m.store.Delete(ctx, bucket, key); err != nil {
				m.countError(class)
				continue
			}
			removed[key] = struct{}{}
		}
	}
	return len(removed)
}

// StartCleanup sweeps every class on interval until ctx is cancelled.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, c := range Classes {
					m.CleanExpired(ctx, c)
				}
			}
		}
	}()
}

// ---------------------------------------------------------------------------
// Size and statistics
// ---------------------------------------------------------------------------

// Size describes the durable footprint of one class.
type Size struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// ClassStats is a point-in-time view of one class.
type ClassStats struct {
	Bucket        string        `json:"bucket"`
	TTL           time.Duration `json:"ttl"`
	Entries       int           `json:"entries"`
	Bytes         int64         `json:"bytes"`
	MemoryEntries int           `json:"memoryEntries"`
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	StoreErrors   int64         `json:"storeErrors"`
}

// Size reports how many entries and bytes a class holds in the durable tier.
// Without a durable tier it reports the memory tier.
func (m *Manager) Size(ctx context.Context, class Class) Size {
	if m.store == nil {
		var s Size
		m.mu.RLock()
		for k, e := range m.memory {
			if k.class == class {
				s.Entries++
				s.Bytes += int64(len(k.key) + len(e.Data))
			}
		}
		m.mu.RUnlock()
		return s
	}

	bucket := class.Bucket(m.version)
	keys, err := m.store.Keys(ctx, bucket)
	if err != nil {
		m.countError(class)
		return Size{}
	}
	var s Size
	for _, key := range keys {
		raw, err := m.store.Get(ctx, bucket, key)
		if err != nil {
			continue
		}
		s.Entries++
		s.Bytes += int64(len(key) + len(raw))
	}
	return s
}

// TotalSize sums Size over every class.
func (m *Manager) TotalSize(ctx context.Context) Size {
	var total Size
	for _, c := range Classes {
		s := m.Size(ctx, c)
		total.Entries += s.Entries
		total.Bytes += s.Bytes
	}
	return total
}

// Stats reports every class.
func (m *Manager) Stats(ctx context.Context) map[Class]ClassStats {
	out := make(map[Class]ClassStats, len(Classes))
	for _, c := range Classes {
		size := m.Size(ctx, c)
		st := ClassStats{
			Bucket:  c.Bucket(m.version),
			TTL:     c.DefaultTTL(),
			Entries: size.Entries,
			Bytes:   size.Bytes,
		}
		m.mu.RLock()
		for k := range m.memory {
			if k.class == c {
				st.MemoryEntries++
			}
		}
		cnt := m.counters[c]
		st.Hits, st.Misses, st.StoreErrors = cnt.hits, cnt.misses, cnt.storeErrors
		m.mu.RUnlock()
		out[c] = st
	}
	return out
}

func (m *Manager) hit(ctx context.Context, class Class) {
	m.mu.Lock()
	if c, ok := m.counters[class]; ok {
		c.hits++
	}
	m.mu.Unlock()
	m.hitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
}

func (m *Manager) miss(ctx context.Context, class Class) {
	m.mu.Lock()
	if c, ok := m.counters[class]; ok {
		c.misses++
	}
	m.mu.Unlock()
	m.missCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
}

func (m *Manager) countError(class Class) {
	m.mu.Lock()
	if c, ok := m.counters[class]; ok {
		c.storeErrors++
	}
	m.mu.Unlock()
}

// containsSubstring is the match used for patient sweeps.
func containsSubstring(sub string) func(string) bool {
	return func(key string) bool { return strings.Contains(key, sub) }
}

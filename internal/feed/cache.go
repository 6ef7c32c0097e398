package feed

import (
	"math/rand"
	"sync"

	"github.com/openvine/feedcore/internal/constants"
	"github.com/openvine/feedcore/internal/domain"
	"github.com/openvine/feedcore/internal/logger"
	"github.com/openvine/feedcore/internal/metrics"
	"github.com/willf/bloom"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EventCache is the deduplicated, capacity-bounded feed store. Featured
// entries occupy a shuffled prefix and never trim; regular entries append
// in arrival order and trim oldest-first.
//
// A bloom filter remembers every id ever admitted, so events evicted by
// trimming, or replayed after a reconnect, are still treated as duplicates.
// Clear empties the entries but keeps that memory; Reset drops both.
type EventCache struct {
	mu         sync.Mutex
	entries    []*ContentEvent
	byID       map[string]*ContentEvent
	featured   int // length of the featured prefix
	capacity   int
	seen       *bloom.BloomFilter
	duplicates int64
	rng        *rand.Rand
	validity   domain.ValidityFunc

	dupLog *rate.Limiter
	log    *zap.Logger
}

// NewEventCache builds a cache with the given capacity and validity
// predicate. A nil predicate admits everything.
func NewEventCache(capacity int, validity domain.ValidityFunc) *EventCache {
	if capacity <= 0 {
		capacity = constants.DefaultCacheCapacity
	}
	return &EventCache{
		byID:     make(map[string]*ContentEvent),
		capacity: capacity,
		seen:     newSeenFilter(),
		rng:      rand.New(rand.NewSource(rand.Int63())),
		validity: validity,
		dupLog: rate.NewLimiter(
			rate.Every(constants.DuplicateLogInterval),
			constants.DuplicateLogBurst),
		log: logger.New("cache"),
	}
}

func newSeenFilter() *bloom.BloomFilter {
	return bloom.NewWithEstimates(constants.SeenFilterCapacity, constants.SeenFilterFPRate)
}

// Seed pins the featured-shuffle randomness for deterministic ordering.
func (c *EventCache) Seed(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = rand.New(rand.NewSource(seed))
}

// Add admits an event unless it is a duplicate or fails the validity
// predicate. Returns true when the event entered the cache.
func (c *EventCache) Add(evt *ContentEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[evt.ID()]; exists || c.seen.Test([]byte(evt.ID())) {
		c.duplicates++
		metrics.IncrementDuplicateEvents()
		if c.dupLog.Allow() {
			c.log.Debug("Duplicate events dropped",
				zap.Int64("total", c.duplicates),
				zap.String("last_id", evt.ID()))
		}
		return false
	}

	if c.validity != nil && !c.validity(evt.Event) {
		metrics.EventsRejected.WithLabelValues("invalid").Inc()
		c.log.Debug("Invalid event dropped",
			zap.String("id", evt.ID()),
			zap.String("asset_url", evt.AssetURL))
		return false
	}

	c.seen.AddString(evt.ID())
	c.byID[evt.ID()] = evt

	if evt.Class == ClassFeatured {
		// New featured entries join the prefix at an unpredictable
		// position: the whole prefix reshuffles on every insert.
		c.entries = append(c.entries, nil)
		copy(c.entries[c.featured+1:], c.entries[c.featured:])
		c.entries[c.featured] = evt
		c.featured++
		c.rng.Shuffle(c.featured, func(i, j int) {
			c.entries[i], c.entries[j] = c.entries[j], c.entries[i]
		})
	} else {
		c.entries = append(c.entries, evt)
	}

	c.trimLocked()

	metrics.IncrementEventsAdmitted()
	metrics.CacheSize.Set(float64(len(c.entries)))
	return true
}

// trimLocked evicts the oldest regular entries until size fits capacity.
// Featured entries are exempt, so the cache may exceed capacity when the
// featured prefix alone does.
func (c *EventCache) trimLocked() {
	for len(c.entries) > c.capacity && len(c.entries) > c.featured {
		victim := c.entries[c.featured]
		c.entries = append(c.entries[:c.featured], c.entries[c.featured+1:]...)
		delete(c.byID, victim.ID())
		metrics.CacheEvictions.Inc()
	}
}

// GetByID returns the cached event with the given id, or nil.
func (c *EventCache) GetByID(id string) *ContentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[id]
}

// GetByAuthor returns all cached events by the given author, in cache order.
func (c *EventCache) GetByAuthor(author string) []*ContentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*ContentEvent
	for _, e := range c.entries {
		if e.Author() == author {
			out = append(out, e)
		}
	}
	return out
}

// GetByTags returns cached events carrying at least one of the given tag
// values, in cache order.
func (c *EventCache) GetByTags(values []string) []*ContentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*ContentEvent
	for _, e := range c.entries {
		for _, v := range values {
			if e.HasTag(v) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Events returns a snapshot of the cache in priority order.
func (c *EventCache) Events() []*ContentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ContentEvent, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len reports the number of cached events.
func (c *EventCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FeaturedLen reports the size of the featured prefix.
func (c *EventCache) FeaturedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.featured
}

// Duplicates reports how many adds were rejected as duplicates.
func (c *EventCache) Duplicates() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates
}

// Clear empties the cache and resets the duplicate counter. The seen
// filter is kept, so previously shown events stay suppressed.
func (c *EventCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

// Reset is Clear plus a fresh seen filter, for an explicit user refresh
// that wants the full feed back.
func (c *EventCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.seen = newSeenFilter()
}

func (c *EventCache) clearLocked() {
	c.entries = nil
	c.byID = make(map[string]*ContentEvent)
	c.featured = 0
	c.duplicates = 0
	metrics.CacheSize.Set(0)
}

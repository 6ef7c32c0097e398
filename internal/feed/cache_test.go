package feed

import (
	"fmt"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/openvine/feedcore/internal/constants"
	"github.com/openvine/feedcore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoEvent(id, author string) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    author,
		Kind:      constants.KindShortVideo,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"url", "https://cdn.example.com/" + id + ".mp4"},
			{"t", "comedy"},
		},
	}
}

func regular(id string) *ContentEvent {
	return NewContentEvent(videoEvent(id, "author-"+id), nil)
}

func featured(id string) *ContentEvent {
	evt := videoEvent(id, "vip")
	return NewContentEvent(evt, map[string]bool{"vip": true})
}

func TestCacheDeduplicates(t *testing.T) {
	cache := NewEventCache(100, nil)

	require.True(t, cache.Add(regular("e1")))
	require.True(t, cache.Add(regular("e2")))
	require.False(t, cache.Add(regular("e1")))
	require.False(t, cache.Add(regular("e1")))

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, int64(2), cache.Duplicates())
	assert.NotNil(t, cache.GetByID("e1"))
	assert.NotNil(t, cache.GetByID("e2"))
}

func TestCacheCountsEachDuplicateOnce(t *testing.T) {
	cache := NewEventCache(100, nil)
	require.True(t, cache.Add(regular("e1")))

	before := testutil.ToFloat64(metrics.EventsRejected.WithLabelValues("duplicate"))
	mirrorBefore := metrics.GetDuplicateEventCount()

	require.False(t, cache.Add(regular("e1")))

	after := testutil.ToFloat64(metrics.EventsRejected.WithLabelValues("duplicate"))
	assert.Equal(t, 1.0, after-before, "one duplicate must count once")
	assert.Equal(t, int64(1), metrics.GetDuplicateEventCount()-mirrorBefore)
}

func TestCacheRejectsInvalid(t *testing.T) {
	cache := NewEventCache(100, func(evt *nostr.Event) bool {
		return PrimaryAssetURL(evt) != ""
	})

	bare := &nostr.Event{ID: "no-asset", PubKey: "a", Kind: constants.KindShortVideo}
	require.False(t, cache.Add(NewContentEvent(bare, nil)))
	require.True(t, cache.Add(regular("good")))

	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, int64(0), cache.Duplicates(), "invalid rejects are not duplicates")
}

func TestCacheTrimsOldestRegularFirst(t *testing.T) {
	cache := NewEventCache(10, nil)

	for i := 0; i < 3; i++ {
		require.True(t, cache.Add(featured(fmt.Sprintf("f%d", i))))
	}
	for i := 0; i < 15; i++ {
		require.True(t, cache.Add(regular(fmt.Sprintf("r%d", i))))
	}

	assert.Equal(t, 10, cache.Len())
	assert.Equal(t, 3, cache.FeaturedLen())

	// Every featured entry survives trimming.
	for i := 0; i < 3; i++ {
		assert.NotNil(t, cache.GetByID(fmt.Sprintf("f%d", i)), "featured f%d evicted", i)
	}
	// The oldest regular entries were evicted, the newest kept.
	for i := 0; i < 8; i++ {
		assert.Nil(t, cache.GetByID(fmt.Sprintf("r%d", i)), "r%d should be evicted", i)
	}
	for i := 8; i < 15; i++ {
		assert.NotNil(t, cache.GetByID(fmt.Sprintf("r%d", i)), "r%d should survive", i)
	}
}

func TestCacheFeaturedPrefixOrdering(t *testing.T) {
	cache := NewEventCache(100, nil)

	for i := 0; i < 5; i++ {
		require.True(t, cache.Add(featured(fmt.Sprintf("f%d", i))))
	}
	for i := 0; i < 5; i++ {
		require.True(t, cache.Add(regular(fmt.Sprintf("r%d", i))))
	}

	events := cache.Events()
	require.Len(t, events, 10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, ClassFeatured, events[i].Class, "position %d should be featured", i)
	}
	// Regular entries keep arrival order after the prefix.
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("r%d", i), events[5+i].ID())
	}
}

func TestCacheShuffleIsSeedable(t *testing.T) {
	order := func(seed int64) []string {
		cache := NewEventCache(100, nil)
		cache.Seed(seed)
		for i := 0; i < 8; i++ {
			require.True(t, cache.Add(featured(fmt.Sprintf("f%d", i))))
		}
		var ids []string
		for _, e := range cache.Events() {
			ids = append(ids, e.ID())
		}
		return ids
	}

	assert.Equal(t, order(42), order(42), "same seed must give the same order")
}

func TestCacheClearKeepsDuplicateMemory(t *testing.T) {
	cache := NewEventCache(100, nil)

	require.True(t, cache.Add(regular("e1")))
	cache.Clear()

	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(0), cache.Duplicates())

	// The id was already shown this session, so it stays suppressed.
	assert.False(t, cache.Add(regular("e1")))
}

func TestCacheResetForgetsEverything(t *testing.T) {
	cache := NewEventCache(100, nil)

	require.True(t, cache.Add(regular("e1")))
	cache.Reset()

	assert.Equal(t, 0, cache.Len())
	assert.True(t, cache.Add(regular("e1")))
}

func TestCacheLookups(t *testing.T) {
	cache := NewEventCache(100, nil)
	require.True(t, cache.Add(regular("e1")))
	require.True(t, cache.Add(regular("e2")))
	require.True(t, cache.Add(featured("f1")))

	t.Run("by author", func(t *testing.T) {
		got := cache.GetByAuthor("author-e1")
		require.Len(t, got, 1)
		assert.Equal(t, "e1", got[0].ID())
	})

	t.Run("by tags", func(t *testing.T) {
		got := cache.GetByTags([]string{"comedy"})
		assert.Len(t, got, 3)
		assert.Empty(t, cache.GetByTags([]string{"cooking"}))
	})

	t.Run("by id miss", func(t *testing.T) {
		assert.Nil(t, cache.GetByID("absent"))
	})
}

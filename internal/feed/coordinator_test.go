package feed

import (
	"encoding/json"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/openvine/feedcore/internal/connection"
	"github.com/openvine/feedcore/internal/constants"
	"github.com/openvine/feedcore/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	factory *transporttest.Factory
	pool    *connection.Pool
	cache   *EventCache
	coord   *Coordinator
}

func newRig(t *testing.T, opts CoordinatorOptions) *rig {
	t.Helper()
	factory := transporttest.NewFactory(true)
	pool := connection.NewPool(factory, nil, connection.Options{
		AutoReconnect: true,
		Backoff: connection.Backoff{
			Initial:    10 * time.Millisecond,
			Max:        50 * time.Millisecond,
			Multiplier: 2,
		},
		DialTimeout: time.Second,
		AckTimeout:  time.Minute,
	})
	cache := NewEventCache(100, nil)
	if opts.ReplaySettleDelay == 0 {
		opts.ReplaySettleDelay = 20 * time.Millisecond
	}
	if opts.OfflineRetryInterval == 0 {
		opts.OfflineRetryInterval = 30 * time.Millisecond
	}
	coord := NewCoordinator(pool, cache, opts)

	t.Cleanup(func() {
		coord.Dispose()
		pool.DisposeAll()
	})
	return &rig{factory: factory, pool: pool, cache: cache, coord: coord}
}

func (r *rig) connectRelay(t *testing.T, url string) *transporttest.Conn {
	t.Helper()
	m := r.pool.CreateConnection(url)
	m.Connect()
	require.Eventually(t, func() bool {
		return m.State() == connection.StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	return r.factory.Last()
}

func reqMessages(conn *transporttest.Conn) [][]byte {
	var out [][]byte
	for _, p := range conn.Sent() {
		if len(p) > 6 && string(p[:6]) == `["REQ"` {
			out = append(out, p)
		}
	}
	return out
}

func closeMessages(conn *transporttest.Conn) [][]byte {
	var out [][]byte
	for _, p := range conn.Sent() {
		if len(p) > 8 && string(p[:8]) == `["CLOSE"` {
			out = append(out, p)
		}
	}
	return out
}

func subscriptionID(t *testing.T, req []byte) string {
	t.Helper()
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(req, &parts))
	require.GreaterOrEqual(t, len(parts), 2)
	var id string
	require.NoError(t, json.Unmarshal(parts[1], &id))
	return id
}

func deliverEvent(conn *transporttest.Conn, subID string, evt *nostr.Event) {
	payload, _ := nostr.EventEnvelope{SubscriptionID: &subID, Event: *evt}.MarshalJSON()
	conn.Deliver(payload)
}

func TestCoordinatorSubscribeIsIdempotent(t *testing.T) {
	r := newRig(t, CoordinatorOptions{})
	conn := r.connectRelay(t, "wss://a.test")

	params := SubscriptionParameters{Hashtags: []string{"comedy"}, Limit: 50}
	require.NoError(t, r.coord.Subscribe(params, true))
	require.NoError(t, r.coord.Subscribe(params, true))
	require.NoError(t, r.coord.Subscribe(params, true))

	assert.Len(t, reqMessages(conn), 1, "identical subscribes must issue one REQ")
	assert.True(t, r.coord.IsSubscribed())
	assert.False(t, r.coord.IsLoading())
}

func TestCoordinatorSubscribeReplacesOnNewParams(t *testing.T) {
	r := newRig(t, CoordinatorOptions{})
	conn := r.connectRelay(t, "wss://a.test")

	require.NoError(t, r.coord.Subscribe(SubscriptionParameters{Limit: 50}, true))
	require.NoError(t, r.coord.Subscribe(SubscriptionParameters{Limit: 100}, true))

	assert.Len(t, reqMessages(conn), 2)
	assert.Len(t, closeMessages(conn), 1, "replacement cancels the old subscription")
}

func TestCoordinatorSubscribeWithoutRelays(t *testing.T) {
	r := newRig(t, CoordinatorOptions{OfflineRetryMax: 1})

	err := r.coord.Subscribe(SubscriptionParameters{Limit: 50}, true)
	require.Error(t, err)
	assert.False(t, r.coord.IsSubscribed())
	assert.Error(t, r.coord.LastError())
}

func TestCoordinatorRetriesWhenOffline(t *testing.T) {
	r := newRig(t, CoordinatorOptions{OfflineRetryMax: 10})

	params := SubscriptionParameters{Hashtags: []string{"comedy"}, Limit: 50}
	require.Error(t, r.coord.Subscribe(params, true))

	// A relay appears; the retry loop picks it up without caller help.
	conn := r.connectRelay(t, "wss://a.test")
	require.Eventually(t, func() bool {
		return r.coord.IsSubscribed()
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, reqMessages(conn))
}

func TestCoordinatorClassification(t *testing.T) {
	r := newRig(t, CoordinatorOptions{
		Blocked: func(evt *nostr.Event) bool { return evt.PubKey == "banned" },
	})
	conn := r.connectRelay(t, "wss://a.test")

	params := SubscriptionParameters{Hashtags: []string{"comedy"}, Group: "g1", Limit: 50}
	require.NoError(t, r.coord.Subscribe(params, true))
	subID := subscriptionID(t, reqMessages(conn)[0])

	admit := func(id, author string, kind int, tags nostr.Tags) {
		deliverEvent(conn, subID, &nostr.Event{
			ID: id, PubKey: author, Kind: kind, CreatedAt: nostr.Now(), Tags: tags,
		})
	}
	groupedTags := nostr.Tags{
		{"url", "https://cdn.example.com/v.mp4"},
		{"t", "comedy"},
		{"h", "g1"},
	}

	admit("ok-1", "alice", constants.KindShortVideo, groupedTags)
	admit("wrong-kind", "alice", 1, groupedTags)
	admit("repost", "alice", constants.KindRepost, groupedTags)
	admit("blocked", "banned", constants.KindShortVideo, groupedTags)
	admit("no-hashtag", "alice", constants.KindShortVideo, nostr.Tags{
		{"url", "https://cdn.example.com/v.mp4"}, {"t", "cooking"}, {"h", "g1"},
	})
	admit("wrong-group", "alice", constants.KindShortVideo, nostr.Tags{
		{"url", "https://cdn.example.com/v.mp4"}, {"t", "comedy"}, {"h", "g2"},
	})
	deliverEvent(conn, "not-our-subscription", &nostr.Event{
		ID: "unknown-sub", PubKey: "alice", Kind: constants.KindShortVideo,
		CreatedAt: nostr.Now(), Tags: groupedTags,
	})
	// Frames process in arrival order, so once the sentinel lands every
	// earlier verdict is final.
	admit("sentinel", "alice", constants.KindShortVideo, groupedTags)

	require.Eventually(t, func() bool {
		return r.cache.GetByID("sentinel") != nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, r.cache.Len())
	assert.NotNil(t, r.cache.GetByID("ok-1"))
	assert.Nil(t, r.cache.GetByID("wrong-kind"))
	assert.Nil(t, r.cache.GetByID("repost"))
	assert.Nil(t, r.cache.GetByID("blocked"))
	assert.Nil(t, r.cache.GetByID("no-hashtag"))
	assert.Nil(t, r.cache.GetByID("wrong-group"))
	assert.Nil(t, r.cache.GetByID("unknown-sub"))
}

func TestCoordinatorFeaturedAuthors(t *testing.T) {
	r := newRig(t, CoordinatorOptions{FeaturedAuthors: []string{"vip"}})
	conn := r.connectRelay(t, "wss://a.test")

	require.NoError(t, r.coord.Subscribe(SubscriptionParameters{Limit: 50}, true))
	subID := subscriptionID(t, reqMessages(conn)[0])

	deliverEvent(conn, subID, videoEvent("from-vip", "vip"))
	deliverEvent(conn, subID, videoEvent("from-anyone", "anyone"))

	require.Eventually(t, func() bool {
		return r.cache.Len() == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, ClassFeatured, r.cache.GetByID("from-vip").Class)
	assert.Equal(t, ClassRegular, r.cache.GetByID("from-anyone").Class)
}

func TestCoordinatorReconnectReplay(t *testing.T) {
	r := newRig(t, CoordinatorOptions{})
	conn := r.connectRelay(t, "wss://a.test")

	params := SubscriptionParameters{Hashtags: []string{"comedy"}, Limit: 50}
	require.NoError(t, r.coord.Subscribe(params, true))
	oldSub := subscriptionID(t, reqMessages(conn)[0])

	deliverEvent(conn, oldSub, videoEvent("pre-drop", "alice"))
	require.Eventually(t, func() bool {
		return r.cache.GetByID("pre-drop") != nil
	}, 2*time.Second, 5*time.Millisecond)

	conn.Fail(assert.AnError)

	var fresh *transporttest.Conn
	require.Eventually(t, func() bool {
		fresh = r.factory.Last()
		return fresh != conn && len(reqMessages(fresh)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	// Exactly one re-issued REQ with the same filter.
	reqs := reqMessages(fresh)
	require.Len(t, reqs, 1)
	newSub := subscriptionID(t, reqs[0])
	assert.NotEqual(t, oldSub, newSub)

	// The pre-drop stream replaying does not duplicate cache contents.
	before := r.cache.Len()
	deliverEvent(fresh, newSub, videoEvent("pre-drop", "alice"))
	require.Eventually(t, func() bool {
		return r.cache.Duplicates() > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, before, r.cache.Len())
	assert.True(t, r.coord.IsSubscribed())
}

func TestCoordinatorUnsubscribe(t *testing.T) {
	r := newRig(t, CoordinatorOptions{})
	conn := r.connectRelay(t, "wss://a.test")

	require.NoError(t, r.coord.Subscribe(SubscriptionParameters{Limit: 50}, true))
	r.coord.Unsubscribe()

	assert.False(t, r.coord.IsSubscribed())
	assert.Len(t, closeMessages(conn), 1)
}

func TestCoordinatorLoadMore(t *testing.T) {
	r := newRig(t, CoordinatorOptions{})
	conn := r.connectRelay(t, "wss://a.test")

	require.NoError(t, r.coord.Subscribe(SubscriptionParameters{Limit: 50}, true))
	mainSub := subscriptionID(t, reqMessages(conn)[0])

	deliverEvent(conn, mainSub, videoEvent("seed", "alice"))
	require.Eventually(t, func() bool {
		return r.cache.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.coord.LoadMore(10))

	reqs := reqMessages(conn)
	require.Len(t, reqs, 2)
	oneShot := subscriptionID(t, reqs[1])
	require.NotEqual(t, mainSub, oneShot)

	// Older events arrive through the one-shot query.
	deliverEvent(conn, oneShot, videoEvent("older", "bob"))
	require.Eventually(t, func() bool {
		return r.cache.GetByID("older") != nil
	}, 2*time.Second, 5*time.Millisecond)

	// EOSE closes the one-shot on that relay.
	conn.Deliver([]byte(`["EOSE","` + oneShot + `"]`))
	require.Eventually(t, func() bool {
		return len(closeMessages(conn)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinatorLoadMoreTimesOut(t *testing.T) {
	r := newRig(t, CoordinatorOptions{OneShotTimeout: 30 * time.Millisecond})
	conn := r.connectRelay(t, "wss://a.test")

	require.NoError(t, r.coord.Subscribe(SubscriptionParameters{Limit: 50}, true))
	mainSub := subscriptionID(t, reqMessages(conn)[0])

	require.NoError(t, r.coord.LoadMore(10))
	oneShot := subscriptionID(t, reqMessages(conn)[1])

	// No EOSE ever arrives; the query is abandoned and closed.
	require.Eventually(t, func() bool {
		return len(closeMessages(conn)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Results delivered after expiry are no longer recognized.
	deliverEvent(conn, oneShot, videoEvent("late", "bob"))
	deliverEvent(conn, mainSub, videoEvent("sentinel", "alice"))
	require.Eventually(t, func() bool {
		return r.cache.GetByID("sentinel") != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, r.cache.GetByID("late"))
}

func TestCoordinatorLoadMoreRequiresSubscription(t *testing.T) {
	r := newRig(t, CoordinatorOptions{})
	r.connectRelay(t, "wss://a.test")

	assert.Error(t, r.coord.LoadMore(10))
}

func TestCoordinatorRefreshRebuildsFeed(t *testing.T) {
	r := newRig(t, CoordinatorOptions{})
	conn := r.connectRelay(t, "wss://a.test")

	require.NoError(t, r.coord.Subscribe(SubscriptionParameters{Limit: 50}, true))
	firstSub := subscriptionID(t, reqMessages(conn)[0])

	deliverEvent(conn, firstSub, videoEvent("shown", "alice"))
	require.Eventually(t, func() bool {
		return r.cache.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.coord.Refresh())
	assert.Equal(t, 0, r.cache.Len())

	reqs := reqMessages(conn)
	require.Len(t, reqs, 2)
	newSub := subscriptionID(t, reqs[1])

	// After an explicit refresh the same event is welcome again.
	deliverEvent(conn, newSub, videoEvent("shown", "alice"))
	require.Eventually(t, func() bool {
		return r.cache.GetByID("shown") != nil
	}, 2*time.Second, 5*time.Millisecond)
}

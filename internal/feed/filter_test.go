package feed

import (
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/openvine/feedcore/internal/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionParametersEqual(t *testing.T) {
	base := SubscriptionParameters{
		Authors:  []string{"a", "b"},
		Hashtags: []string{"comedy", "skate"},
		Group:    "g1",
		Limit:    50,
	}

	t.Run("identical", func(t *testing.T) {
		same := SubscriptionParameters{
			Authors:  []string{"a", "b"},
			Hashtags: []string{"comedy", "skate"},
			Group:    "g1",
			Limit:    50,
		}
		assert.True(t, base.Equal(same))
	})

	t.Run("list order matters", func(t *testing.T) {
		reordered := base
		reordered.Authors = []string{"b", "a"}
		assert.False(t, base.Equal(reordered))
	})

	t.Run("field differences", func(t *testing.T) {
		diff := base
		diff.Group = "g2"
		assert.False(t, base.Equal(diff))

		diff = base
		diff.Limit = 51
		assert.False(t, base.Equal(diff))

		diff = base
		diff.IncludeVideoKind = true
		assert.False(t, base.Equal(diff))
	})

	t.Run("time windows", func(t *testing.T) {
		now := time.Now()
		withSince := base
		withSince.Since = &now
		assert.False(t, base.Equal(withSince))

		sameInstant := now
		other := base
		other.Since = &sameInstant
		assert.True(t, withSince.Equal(other))
	})
}

func TestBuildFilter(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		f := BuildFilter(SubscriptionParameters{})
		assert.Equal(t, []int{constants.KindShortVideo}, f.Kinds)
		assert.Equal(t, constants.DefaultFeedLimit, f.Limit)
		assert.Empty(t, f.Authors)
		assert.Empty(t, f.Tags)
	})

	t.Run("full parameters", func(t *testing.T) {
		since := time.Unix(1_700_000_000, 0)
		f := BuildFilter(SubscriptionParameters{
			Authors:          []string{"a"},
			Hashtags:         []string{"comedy"},
			Group:            "g1",
			Since:            &since,
			Limit:            25,
			IncludeVideoKind: true,
		})
		assert.ElementsMatch(t, []int{constants.KindShortVideo, constants.KindVideo}, f.Kinds)
		assert.Equal(t, []string{"a"}, f.Authors)
		assert.Equal(t, []string{"comedy"}, f.Tags[constants.TagHashtag])
		assert.Equal(t, []string{"g1"}, f.Tags[constants.TagGroup])
		require.NotNil(t, f.Since)
		assert.EqualValues(t, 1_700_000_000, *f.Since)
		assert.Equal(t, 25, f.Limit)
	})
}

func TestPrimaryAssetURL(t *testing.T) {
	t.Run("imeta preferred over url tag", func(t *testing.T) {
		evt := videoEvent("e1", "a")
		evt.Tags = append(evt.Tags, nostr.Tag{"imeta", "url https://cdn.example.com/imeta.mp4", "m video/mp4"})
		assert.Equal(t, "https://cdn.example.com/imeta.mp4", PrimaryAssetURL(evt))
	})

	t.Run("url tag fallback", func(t *testing.T) {
		evt := videoEvent("e2", "a")
		assert.Equal(t, "https://cdn.example.com/e2.mp4", PrimaryAssetURL(evt))
	})

	t.Run("no asset", func(t *testing.T) {
		evt := videoEvent("e3", "a")
		evt.Tags = nostr.Tags{{"t", "comedy"}}
		assert.Equal(t, "", PrimaryAssetURL(evt))
	})
}

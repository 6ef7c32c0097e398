package feed

import (
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/openvine/feedcore/internal/constants"
)

// SubscriptionParameters describe one logical feed query. Author and
// hashtag lists are ordered sequences; two parameter sets with the same
// elements in a different order are different requests.
type SubscriptionParameters struct {
	Authors          []string
	Hashtags         []string
	Group            string
	Since            *time.Time
	Until            *time.Time
	Limit            int
	IncludeVideoKind bool
}

// Equal reports field-by-field equality, list order included.
func (p SubscriptionParameters) Equal(other SubscriptionParameters) bool {
	if len(p.Authors) != len(other.Authors) || len(p.Hashtags) != len(other.Hashtags) {
		return false
	}
	for i := range p.Authors {
		if p.Authors[i] != other.Authors[i] {
			return false
		}
	}
	for i := range p.Hashtags {
		if p.Hashtags[i] != other.Hashtags[i] {
			return false
		}
	}
	if p.Group != other.Group || p.Limit != other.Limit || p.IncludeVideoKind != other.IncludeVideoKind {
		return false
	}
	return timePtrEqual(p.Since, other.Since) && timePtrEqual(p.Until, other.Until)
}

// IsEmpty reports whether the parameters carry no constraints at all.
func (p SubscriptionParameters) IsEmpty() bool {
	return len(p.Authors) == 0 && len(p.Hashtags) == 0 && p.Group == "" &&
		p.Since == nil && p.Until == nil && p.Limit == 0 && !p.IncludeVideoKind
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// BuildFilter turns the parameters into the wire-level relay filter.
func BuildFilter(p SubscriptionParameters) nostr.Filter {
	kinds := []int{constants.KindShortVideo}
	if p.IncludeVideoKind {
		kinds = append(kinds, constants.KindVideo)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = constants.DefaultFeedLimit
	}

	f := nostr.Filter{
		Kinds: kinds,
		Limit: limit,
	}
	if len(p.Authors) > 0 {
		f.Authors = append([]string{}, p.Authors...)
	}
	if len(p.Hashtags) > 0 || p.Group != "" {
		f.Tags = nostr.TagMap{}
		if len(p.Hashtags) > 0 {
			f.Tags[constants.TagHashtag] = append([]string{}, p.Hashtags...)
		}
		if p.Group != "" {
			f.Tags[constants.TagGroup] = []string{p.Group}
		}
	}
	if p.Since != nil {
		ts := nostr.Timestamp(p.Since.Unix())
		f.Since = &ts
	}
	if p.Until != nil {
		ts := nostr.Timestamp(p.Until.Unix())
		f.Until = &ts
	}
	return f
}

package feed

import (
	"net/url"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/openvine/feedcore/internal/constants"
)

// PriorityClass is the ordering tier a content event lands in.
type PriorityClass int

const (
	// ClassRegular events append in arrival order and are trimmed first.
	ClassRegular PriorityClass = iota
	// ClassFeatured events occupy the shuffled prefix and never trim.
	ClassFeatured
)

func (c PriorityClass) String() string {
	if c == ClassFeatured {
		return "featured"
	}
	return "regular"
}

// ContentEvent is one admitted feed entry: the raw relay event plus the
// fields the cache and classifier derive from it once, at admission time.
type ContentEvent struct {
	Event    *nostr.Event
	AssetURL string
	Class    PriorityClass
}

// ID returns the relay-assigned event id, the identity used for dedup.
func (e *ContentEvent) ID() string { return e.Event.ID }

// Author returns the event author's public key.
func (e *ContentEvent) Author() string { return e.Event.PubKey }

// CreatedAt returns the event creation time in unix seconds.
func (e *ContentEvent) CreatedAt() int64 { return int64(e.Event.CreatedAt) }

// Hashtags returns the event's lowercase "t" tag values.
func (e *ContentEvent) Hashtags() []string {
	var out []string
	for _, tag := range e.Event.Tags {
		if len(tag) >= 2 && tag[0] == constants.TagHashtag {
			out = append(out, strings.ToLower(tag[1]))
		}
	}
	return out
}

// Group returns the event's "h" tag value, or "" when untagged.
func (e *ContentEvent) Group() string {
	for _, tag := range e.Event.Tags {
		if len(tag) >= 2 && tag[0] == constants.TagGroup {
			return tag[1]
		}
	}
	return ""
}

// HasTag reports whether any tag key/value pair matches the given value in
// position one, across all tag names.
func (e *ContentEvent) HasTag(value string) bool {
	for _, tag := range e.Event.Tags {
		if len(tag) >= 2 && strings.EqualFold(tag[1], value) {
			return true
		}
	}
	return false
}

// PrimaryAssetURL extracts the playable media URL from an event, preferring
// imeta tags over bare url tags. Returns "" when the event carries none.
func PrimaryAssetURL(evt *nostr.Event) string {
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != constants.TagIMeta {
			continue
		}
		for _, field := range tag[1:] {
			if v, ok := strings.CutPrefix(field, "url "); ok && v != "" {
				return v
			}
		}
	}
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == constants.TagURL && tag[1] != "" {
			return tag[1]
		}
	}
	return ""
}

// NewContentEvent derives a ContentEvent from a raw relay event. The
// featured set decides the priority class by author public key.
func NewContentEvent(evt *nostr.Event, featured map[string]bool) *ContentEvent {
	class := ClassRegular
	if featured[evt.PubKey] {
		class = ClassFeatured
	}
	return &ContentEvent{
		Event:    evt,
		AssetURL: PrimaryAssetURL(evt),
		Class:    class,
	}
}

// AssetHost returns the hostname of the event's primary asset URL, or ""
// when the URL is absent or unparseable.
func (e *ContentEvent) AssetHost() string {
	if e.AssetURL == "" {
		return ""
	}
	u, err := url.Parse(e.AssetURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

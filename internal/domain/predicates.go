package domain

import nostr "github.com/nbd-wtf/go-nostr"

// ValidityFunc reports whether an event carries content worth caching,
// e.g. a retrievable primary asset URL. Pure and synchronous.
type ValidityFunc func(evt *nostr.Event) bool

// BlockFunc reports whether an event must be rejected outright,
// e.g. because its author is blocked. Pure and synchronous.
type BlockFunc func(evt *nostr.Event) bool

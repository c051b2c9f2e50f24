package core

import (
	"sort"
	"strconv"
	"strings"
)

// Filter is a pure boolean predicate over a Bridge.  It is a small tagged
// value, not a closure: two Filters built from equal parameters compare
// equal with ==, which is what lets a Ruleset (a slice of Filters) serve as
// a stable splitter cache key.  Filter carries a Description of the form
// "<key>=<value>" used for dump output and derived from its tag, not the
// other way around.
type Filter struct {
	kind string

	arg string // family ("4"/"6"), transport methodname, or country code

	// Only set for kind == "ring".  ringKey holds the raw HMAC key bytes
	// (as a string, so Filter stays comparable) used to assign a bridge to
	// one of totalRings rings; assignedRing is the 1-based ring number this
	// Filter matches.
	ringKey      string
	assignedRing int
	totalRings   int

	// Only set for kind == "transport".  0 means "any address family".
	family int
}

// IPFamily returns a Filter matching bridges with an address (primary or
// OR-address) of the given family (4 or 6).
func IPFamily(family int) Filter {
	return Filter{kind: "ip", arg: strconv.Itoa(family)}
}

// Ring returns a Filter matching bridges whose HMAC(ringKey, fingerprint)
// assigns them to the given 1-based ring out of totalRings, per spec.md
// §4.3 ("ring=<n>").
func Ring(ringKey []byte, totalRings, assignedRing int) Filter {
	return Filter{
		kind:         "ring",
		ringKey:      string(ringKey),
		totalRings:   totalRings,
		assignedRing: assignedRing,
	}
}

// Transport returns a Filter matching bridges with a transport entry whose
// methodname matches (case-insensitively) and whose address belongs to the
// given family (0 for "any").
func Transport(methodname string, family int) Filter {
	return Filter{kind: "transport", arg: methodname, family: family}
}

// Unblocked returns a Filter matching bridges that have no block record for
// the given country code.
func Unblocked(countryCode string) Filter {
	return Filter{kind: "unblocked", arg: normalizeCC(countryCode)}
}

// Match applies the filter to a bridge.
func (f Filter) Match(b *Bridge) bool {
	switch f.kind {
	case "ip":
		family, _ := strconv.Atoi(f.arg)
		return b.HasFamily(family)
	case "ring":
		hmacFn := NewHMACFunc([]byte(f.ringKey))
		digest := hmacFn(b.Fingerprint)
		which := int(hmacPrefixUint32(digest))%f.totalRings + 1
		return which == f.assignedRing
	case "transport":
		return b.HasTransport(f.arg, f.family)
	case "unblocked":
		return !b.IsBlockedIn(f.arg)
	default:
		return false
	}
}

// hmacPrefixUint32 interprets the first 4 bytes of an HMAC digest as a
// big-endian unsigned integer, mirroring Dist.py's long(digest[:8], 16)
// (8 hex chars == 4 bytes).
func hmacPrefixUint32(digest []byte) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(digest); i++ {
		v = v<<8 | uint32(digest[i])
	}
	return v
}

// Description returns the filter's "<key>=<value>" string, used only for
// bridge assignment dumps.  It is derived from the filter's fields, not the
// other way around: equality and the Ruleset cache key are computed from
// the Filter's own comparable fields (see rawKey), never from this string.
func (f Filter) Description() string {
	switch f.kind {
	case "ip":
		return "ip=" + f.arg
	case "ring":
		return "ring=" + strconv.Itoa(f.assignedRing)
	case "transport":
		if f.family == 0 {
			return "transport=" + f.arg
		}
		return "transport=" + f.arg + "/" + strconv.Itoa(f.family)
	case "unblocked":
		return "unblocked=" + f.arg
	default:
		return ""
	}
}

// rawKey returns a string that encodes every field of f, suitable for use
// as an equality/hashing key: two Filters built from equal parameters (the
// full "(kind, params)" tuple of spec.md §9, not just their cosmetic
// Description) produce the same rawKey, and no two Filters with differing
// parameters can collide.
func (f Filter) rawKey() string {
	return strings.Join([]string{
		f.kind, f.arg, f.ringKey,
		strconv.Itoa(f.assignedRing), strconv.Itoa(f.totalRings), strconv.Itoa(f.family),
	}, "\x00")
}

// Ruleset is a set of Filters, conjunctively applied.  Order never matters:
// two Rulesets with the same Filters (in any order) describe the same
// sub-ring and must produce the same cache Key.
type Ruleset []Filter

// MatchAll returns true iff every filter in the ruleset accepts the bridge.
// An empty ruleset matches everything.
func (rs Ruleset) MatchAll(b *Bridge) bool {
	for _, f := range rs {
		if !f.Match(b) {
			return false
		}
	}
	return true
}

// Key returns a stable, order-independent string identifying this ruleset,
// suitable for use as a splitter cache key. It is built from each Filter's
// full rawKey, not its cosmetic Description, so filters that only differ in
// a field Description omits (e.g. transport's address family) never
// collide.
func (rs Ruleset) Key() string {
	keys := make([]string, len(rs))
	for i, f := range rs {
		keys[i] = f.rawKey()
	}
	sort.Strings(keys)
	return strings.Join(keys, "\x1f")
}

// With returns a new Ruleset containing this ruleset's filters plus extra.
func (rs Ruleset) With(extra ...Filter) Ruleset {
	out := make(Ruleset, 0, len(rs)+len(extra))
	out = append(out, rs...)
	out = append(out, extra...)
	return out
}

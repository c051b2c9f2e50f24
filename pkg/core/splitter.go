package core

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// ---------------------------------------------------------------------
// FilteredBridgeSplitter: holds the full bridge set and a bounded LRU of
// derived sub-rings, each defined by a frozen Ruleset.  Grounded on
// Dist.py's FilteredBridgeSplitter and its ruleset -> sub-ring cache.
// ---------------------------------------------------------------------

type subringEntry struct {
	ruleset Ruleset
	ring    *BridgeRing
	pinned  bool
}

// FilteredBridgeSplitter holds a distributor's full bridge set and a bounded
// LRU cache of ruleset -> sub-ring.  Safe for concurrent readers with
// occasional writers: a single RWMutex guards both the full set and the
// cache, matching spec.md §5's "reader-writer lock at the splitter boundary
// is sufficient" guidance.
type FilteredBridgeSplitter struct {
	mu sync.RWMutex

	assignKey []byte // the "Assign-Bridges-To-Rings"-derived key for this distributor

	bridges map[string]*Bridge // fingerprint -> bridge, the full set

	maxCachedRings int
	lru            *list.List               // front = most recently used
	index          map[string]*list.Element // ruleset.Key() -> element
}

// NewFilteredBridgeSplitter returns an empty splitter.  assignKey is the
// distributor's "Assign-Bridges-To-Rings" derived key, used both directly by
// Filter.Ring and as the base for deriving each sub-ring's own ordering key.
func NewFilteredBridgeSplitter(assignKey []byte, maxCachedRings int) *FilteredBridgeSplitter {
	return &FilteredBridgeSplitter{
		assignKey:      assignKey,
		bridges:        make(map[string]*Bridge),
		maxCachedRings: maxCachedRings,
		lru:            list.New(),
		index:          make(map[string]*list.Element),
	}
}

// AssignKey returns the splitter's "Assign-Bridges-To-Rings" key, for
// building Filter.Ring values against this splitter.
func (s *FilteredBridgeSplitter) AssignKey() []byte {
	return s.assignKey
}

// Insert stores the bridge in the full set, then inserts it into every live
// sub-ring whose ruleset it satisfies.
func (s *FilteredBridgeSplitter) Insert(b *Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bridges[b.Fingerprint] = b
	for _, el := range s.index {
		entry := el.Value.(*subringEntry)
		if entry.ruleset.MatchAll(b) {
			entry.ring.Insert(b)
		}
	}
}

// AddRing registers a new sub-ring for the given ruleset, deriving its
// ordering key as HMAC(s.assignKey, ringLabel).  If populate is true, the
// ring is immediately filled with every bridge in the full set that
// satisfies the ruleset.  Pinned rings (created during prepopulation) are
// never evicted.
func (s *FilteredBridgeSplitter) AddRing(ringLabel string, ruleset Ruleset, params *AnswerParameters, populate bool, pinned bool) *BridgeRing {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ruleset.Key()
	if el, exists := s.index[key]; exists {
		s.lru.MoveToFront(el)
		return el.Value.(*subringEntry).ring
	}

	s.evictIfNeededLocked()

	ringKey := DeriveKey(s.assignKey, ringLabel)
	ring := NewBridgeRing(ringKey, params)
	if populate {
		for _, b := range s.bridges {
			if ruleset.MatchAll(b) {
				ring.Insert(b)
			}
		}
	}

	entry := &subringEntry{ruleset: ruleset, ring: ring, pinned: pinned}
	el := s.lru.PushFront(entry)
	s.index[key] = el
	return ring
}

// evictIfNeededLocked evicts the least-recently-used non-pinned entry if the
// cache is at capacity.  Must be called with the write lock held.
func (s *FilteredBridgeSplitter) evictIfNeededLocked() {
	if len(s.index) < s.maxCachedRings {
		return
	}
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*subringEntry)
		if entry.pinned {
			continue
		}
		s.lru.Remove(el)
		delete(s.index, entry.ruleset.Key())
		return
	}
	// Every cached entry is pinned; allow the cache to exceed its bound
	// rather than discard a pinned prepopulated ring.
}

// Lookup returns the cached sub-ring for the given ruleset, if any, and
// marks it as the most recently used entry.
func (s *FilteredBridgeSplitter) Lookup(ruleset Ruleset) (*BridgeRing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, exists := s.index[ruleset.Key()]
	if !exists {
		return nil, false
	}
	s.lru.MoveToFront(el)
	return el.Value.(*subringEntry).ring, true
}

// Clear drops all bridges and all sub-rings.
func (s *FilteredBridgeSplitter) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bridges = make(map[string]*Bridge)
	s.lru = list.New()
	s.index = make(map[string]*list.Element)
}

// Len returns the size of the full bridge set.
func (s *FilteredBridgeSplitter) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bridges)
}

// DumpAssignments writes one line per bridge to w, in the "<fingerprint>
// <descriptions>" format of spec.md §6.  It dumps the full set against the
// given ruleset so external tooling can see which bridges would land in
// that sub-ring.
func (s *FilteredBridgeSplitter) DumpAssignments(write func(line string), ruleset Ruleset) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	descs := ""
	for i, f := range ruleset {
		if i > 0 {
			descs += " "
		}
		descs += f.Description()
	}
	for fp, b := range s.bridges {
		if ruleset.MatchAll(b) {
			write(fmt.Sprintf("%s %s", fp, descs))
		}
	}
}

// ---------------------------------------------------------------------
// BridgeSplitter: the top-level weighted partitioner that assigns each
// bridge to exactly one distributor by HMAC-modulo-total-shares.  Grounded
// on the teacher's pkg/core/stencil.go Stencil/Interval shape, but the
// membership test is HMAC-keyed (per Dist.py), not a seeded PRNG.
// ---------------------------------------------------------------------

// Inserter is anything that can receive a bridge assigned to it: a
// distributor's FilteredBridgeSplitter, or an UnallocatedHolder.
type Inserter interface {
	Insert(b *Bridge)
}

// Tracker is notified of every (bridge, distributor, first-seen, last-seen)
// assignment, so an external store can record provenance (spec.md §4.5).
type Tracker func(b *Bridge, distributorName string, firstSeen, lastSeen time.Time)

// UnallocatedHolder is an Inserter that simply holds bridges without handing
// them to any distributor.  A non-zero share assigned to it reserves a
// portion of the catalogue that is never distributed.
type UnallocatedHolder struct {
	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewUnallocatedHolder returns an empty UnallocatedHolder.
func NewUnallocatedHolder() *UnallocatedHolder {
	return &UnallocatedHolder{bridges: make(map[string]*Bridge)}
}

// Insert stores the bridge without distributing it anywhere.
func (u *UnallocatedHolder) Insert(b *Bridge) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bridges[b.Fingerprint] = b
}

// Len returns the number of reserved, undistributed bridges.
func (u *UnallocatedHolder) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.bridges)
}

type allocation struct {
	name   string
	share  int
	target Inserter
}

// BridgeSplitter partitions bridges across distributors with integer
// weights.  Distributor order is registration order; shares are configured
// by the caller via Register.
type BridgeSplitter struct {
	mu sync.Mutex

	hmac        HMACFunc
	allocations []allocation
	totalShares int
	tracker     Tracker
	firstSeen   map[string]time.Time
}

// NewBridgeSplitter returns a top-level splitter keyed by splitterKey (the
// "Splitter-Key"-derived master key).  tracker may be nil.
func NewBridgeSplitter(splitterKey []byte, tracker Tracker) *BridgeSplitter {
	return &BridgeSplitter{
		hmac:      NewHMACFunc(splitterKey),
		tracker:   tracker,
		firstSeen: make(map[string]time.Time),
	}
}

// Register adds a distributor (or the UnallocatedHolder) to the partition
// with the given integer share.  Registration order determines which
// cumulative interval of shares maps to this target.
func (s *BridgeSplitter) Register(name string, share int, target Inserter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allocations = append(s.allocations, allocation{name: name, share: share, target: target})
	s.totalShares += share
}

// Insert assigns the bridge to exactly one registered target by
// HMAC-modulo-total-shares, then notifies the tracker.
func (s *BridgeSplitter) Insert(b *Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalShares == 0 {
		return
	}

	digest := s.hmac(b.Fingerprint)
	v := int(hmacPrefixUint32(digest)) % s.totalShares

	cumulative := 0
	for _, a := range s.allocations {
		cumulative += a.share
		if v < cumulative {
			now := time.Now().UTC()
			first, seen := s.firstSeen[b.Fingerprint]
			if !seen {
				first = now
				s.firstSeen[b.Fingerprint] = now
			}
			a.target.Insert(b)
			if s.tracker != nil {
				s.tracker(b, a.name, first, now)
			}
			return
		}
	}
}

package core

import (
	"math/big"
	"sort"
	"sync"
)

// ringNode pairs a bridge with its position in a BridgeRing.
type ringNode struct {
	pos    *big.Int
	bridge *Bridge
}

// BridgeRing is an ordered mapping from 160-bit HMAC positions to bridges.
// Positions are computed as HMAC(ringKey, fingerprint); two bridges with the
// same fingerprint occupy the same node, so inserting again replaces rather
// than duplicates.  Safe for concurrent readers with occasional writers, per
// spec.md §5: a sync.RWMutex guards the node slice, the same pattern the
// teacher's Hashring uses for its own sync.RWMutex embedding.
type BridgeRing struct {
	mu sync.RWMutex

	key           []byte
	hmac          HMACFunc
	nodes         []ringNode
	byFingerprint map[string]int // fingerprint -> index into nodes

	params *AnswerParameters
}

// NewBridgeRing returns an empty ring keyed by key.  params may be nil, in
// which case GetBridges never prioritizes any particular bridge.
func NewBridgeRing(key []byte, params *AnswerParameters) *BridgeRing {
	return &BridgeRing{
		key:           key,
		hmac:          NewHMACFunc(key),
		byFingerprint: make(map[string]int),
		params:        params,
	}
}

// position computes a bridge's HMAC position in this ring.
func (r *BridgeRing) position(fingerprint string) *big.Int {
	digest := r.hmac(fingerprint)
	return new(big.Int).SetBytes(digest)
}

// Insert adds the given bridge to the ring, computing its position as
// HMAC(ringKey, fingerprint).  If the bridge's fingerprint is already
// present, the existing node is replaced.
func (r *BridgeRing) Insert(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos := r.position(b.Fingerprint)

	if idx, exists := r.byFingerprint[b.Fingerprint]; exists {
		r.nodes[idx] = ringNode{pos: pos, bridge: b}
	} else {
		r.nodes = append(r.nodes, ringNode{pos: pos, bridge: b})
	}

	sort.Slice(r.nodes, func(i, j int) bool {
		return r.nodes[i].pos.Cmp(r.nodes[j].pos) < 0
	})
	r.reindex()
}

// reindex rebuilds byFingerprint after the node slice has been re-sorted.
// Must be called with the write lock held.
func (r *BridgeRing) reindex() {
	for i, n := range r.nodes {
		r.byFingerprint[n.bridge.Fingerprint] = i
	}
}

// Len returns the number of bridges in the ring.
func (r *BridgeRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// searchIndex returns the index of the first node whose position is >= pos,
// wrapping to 0 if no such node exists.  Must be called with a read lock
// held.
func (r *BridgeRing) searchIndex(pos *big.Int) int {
	i := sort.Search(len(r.nodes), func(i int) bool {
		return r.nodes[i].pos.Cmp(pos) >= 0
	})
	if i >= len(r.nodes) {
		i = 0
	}
	return i
}

// GetBridges returns up to n bridges walking the ring clockwise from
// position, honoring the ring's AnswerParameters (if any): slots are first
// given to bridges that satisfy an unmet port constraint, then filled with
// whatever remains in ring order.  If fewer than n qualifying bridges exist,
// GetBridges returns what it found; this is not an error (spec.md §4.2,
// §4.8).
func (r *BridgeRing) GetBridges(position *big.Int, n int) []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.nodes)
	if total == 0 || n <= 0 {
		return nil
	}
	if n > total {
		n = total
	}

	start := r.searchIndex(position)
	used := make([]bool, total)
	answer := make([]*Bridge, 0, n)

	var remaining []int
	if r.params != nil {
		remaining = make([]int, len(r.params.Constraints))
		for i, c := range r.params.Constraints {
			remaining[i] = c.K
		}
	}

	needConstraints := false
	for _, k := range remaining {
		if k > 0 {
			needConstraints = true
			break
		}
	}

	if needConstraints {
		for i := 0; i < total && len(answer) < n; i++ {
			idx := (start + i) % total
			if used[idx] {
				continue
			}
			b := r.nodes[idx].bridge
			for ci, c := range r.params.Constraints {
				if remaining[ci] > 0 && c.Ports[b.ORPort] {
					answer = append(answer, b)
					used[idx] = true
					remaining[ci]--
					break
				}
			}
		}
	}

	for i := 0; i < total && len(answer) < n; i++ {
		idx := (start + i) % total
		if used[idx] {
			continue
		}
		answer = append(answer, r.nodes[idx].bridge)
		used[idx] = true
	}

	return answer
}

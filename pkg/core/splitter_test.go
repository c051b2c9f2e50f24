package core

import (
	"testing"
	"time"
)

func TestFilteredBridgeSplitterInsertAndLen(t *testing.T) {
	s := NewFilteredBridgeSplitter([]byte("assign-key"), 10)
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
	s.Insert(bridgeWithFingerprint(bigIntFingerprint(1)))
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestFilteredBridgeSplitterAddRingPopulatesFromExistingBridges(t *testing.T) {
	s := NewFilteredBridgeSplitter([]byte("assign-key"), 10)
	for i := 0; i < 20; i++ {
		s.Insert(bridgeWithFingerprint(bigIntFingerprint(i)))
	}

	ring := s.AddRing("Order-Bridges-In-Ring-0", Ruleset{}, nil, true, false)
	if ring.Len() != 20 {
		t.Fatalf("ring.Len() = %d, want 20", ring.Len())
	}
}

func TestFilteredBridgeSplitterInsertPropagatesToLiveRings(t *testing.T) {
	s := NewFilteredBridgeSplitter([]byte("assign-key"), 10)
	ring := s.AddRing("Order-Bridges-In-Ring-0", Ruleset{}, nil, true, false)

	s.Insert(bridgeWithFingerprint(bigIntFingerprint(1)))
	if ring.Len() != 1 {
		t.Fatalf("ring.Len() = %d after insert, want 1", ring.Len())
	}
}

func TestFilteredBridgeSplitterLookupHitAndMiss(t *testing.T) {
	s := NewFilteredBridgeSplitter([]byte("assign-key"), 10)
	rs := Ruleset{IPFamily(4)}

	if _, ok := s.Lookup(rs); ok {
		t.Fatal("Lookup() should miss before AddRing")
	}
	s.AddRing("some-label", rs, nil, true, false)
	if _, ok := s.Lookup(rs); !ok {
		t.Fatal("Lookup() should hit after AddRing with the same ruleset")
	}
}

func TestFilteredBridgeSplitterEvictsLRUButNeverPinned(t *testing.T) {
	s := NewFilteredBridgeSplitter([]byte("assign-key"), 2)

	pinned := Ruleset{IPFamily(4)}
	s.AddRing("pinned-ring", pinned, nil, false, true)

	rsA := Ruleset{Transport("obfs4", 0)}
	rsB := Ruleset{Transport("scramblesuit", 0)}
	rsC := Ruleset{Transport("meek", 0)}

	s.AddRing("ring-a", rsA, nil, false, false)
	// Cache is now full (pinned + a). Adding b evicts a (LRU non-pinned).
	s.AddRing("ring-b", rsB, nil, false, false)

	if _, ok := s.Lookup(rsA); ok {
		t.Error("ring-a should have been evicted")
	}
	if _, ok := s.Lookup(pinned); !ok {
		t.Error("pinned ring should never be evicted")
	}

	// Adding c must not evict the pinned ring even though the cache is at
	// its bound once pinned + b are both present; b is evicted instead.
	s.AddRing("ring-c", rsC, nil, false, false)
	if _, ok := s.Lookup(pinned); !ok {
		t.Error("pinned ring should survive further evictions")
	}
}

func TestFilteredBridgeSplitterClear(t *testing.T) {
	s := NewFilteredBridgeSplitter([]byte("assign-key"), 10)
	s.Insert(bridgeWithFingerprint(bigIntFingerprint(1)))
	s.AddRing("some-label", Ruleset{}, nil, true, false)

	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after Clear(), want 0", s.Len())
	}
	if _, ok := s.Lookup(Ruleset{}); ok {
		t.Fatal("Lookup() should miss after Clear()")
	}
}

func TestBridgeSplitterDistributesByShare(t *testing.T) {
	s := NewBridgeSplitter([]byte("splitter-key"), nil)
	a := NewUnallocatedHolder()
	b := NewUnallocatedHolder()
	s.Register("a", 3, a)
	s.Register("b", 1, b)

	for i := 0; i < 400; i++ {
		s.Insert(bridgeWithFingerprint(bigIntFingerprint(i)))
	}

	total := a.Len() + b.Len()
	if total != 400 {
		t.Fatalf("expected all 400 bridges distributed, got %d", total)
	}
	if a.Len() == 0 || b.Len() == 0 {
		t.Fatalf("expected both targets to receive bridges, got a=%d b=%d", a.Len(), b.Len())
	}
	// With a 3:1 share split, a should receive noticeably more than b.
	if a.Len() < b.Len() {
		t.Errorf("expected the 3-share target to receive at least as many bridges as the 1-share target, got a=%d b=%d", a.Len(), b.Len())
	}
}

func TestBridgeSplitterNotifiesTracker(t *testing.T) {
	var gotName string
	var gotFirst, gotLast time.Time

	s := NewBridgeSplitter([]byte("splitter-key"), func(b *Bridge, name string, first, last time.Time) {
		gotName = name
		gotFirst = first
		gotLast = last
	})
	target := NewUnallocatedHolder()
	s.Register("only", 1, target)

	s.Insert(bridgeWithFingerprint(bigIntFingerprint(1)))

	if gotName != "only" {
		t.Errorf("tracker saw distributor name %q, want %q", gotName, "only")
	}
	if gotFirst.IsZero() || gotLast.IsZero() {
		t.Error("tracker should see non-zero first/last-seen timestamps")
	}
}

func TestBridgeSplitterZeroSharesInsertsNowhere(t *testing.T) {
	s := NewBridgeSplitter([]byte("splitter-key"), nil)
	// No Register calls: totalShares stays 0.
	s.Insert(bridgeWithFingerprint(bigIntFingerprint(1)))
	// Should not panic; nothing to assert beyond that.
}

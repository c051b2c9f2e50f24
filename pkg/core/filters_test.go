package core

import (
	"net"
	"testing"
)

func TestFilterIPFamily(t *testing.T) {
	b := NewBridge("A")
	b.Address = net.ParseIP("203.0.113.5")

	if !IPFamily(4).Match(b) {
		t.Error("IPFamily(4) should match an IPv4 bridge")
	}
	if IPFamily(6).Match(b) {
		t.Error("IPFamily(6) should not match an IPv4 bridge")
	}
}

func TestFilterTransport(t *testing.T) {
	b := NewBridge("A")
	b.Transports = []Transport{{Methodname: "obfs4", Address: net.ParseIP("203.0.113.5"), Port: 443}}

	if !Transport("obfs4", 0).Match(b) {
		t.Error("Transport(\"obfs4\", 0) should match")
	}
	if !Transport("OBFS4", 0).Match(b) {
		t.Error("Transport should match case-insensitively")
	}
	if Transport("scramblesuit", 0).Match(b) {
		t.Error("Transport(\"scramblesuit\", 0) should not match a bridge without that transport")
	}
	if Transport("obfs4", 6).Match(b) {
		t.Error("Transport(\"obfs4\", 6) should not match an IPv4 transport address")
	}
}

func TestFilterUnblocked(t *testing.T) {
	b := NewBridge("A")
	b.SetBlockedIn("CN")

	if Unblocked("cn").Match(b) {
		t.Error("Unblocked(\"cn\") should not match a bridge blocked in CN")
	}
	if !Unblocked("de").Match(b) {
		t.Error("Unblocked(\"de\") should match a bridge not blocked in DE")
	}
}

func TestFilterRingAssignsEveryBridgeToExactlyOneRing(t *testing.T) {
	const totalRings = 4
	key := []byte("ring-assignment-key")

	counts := make(map[int]int)
	for i := 0; i < 400; i++ {
		b := bridgeWithFingerprint(bigIntFingerprint(i))
		matches := 0
		matchedRing := 0
		for ring := 1; ring <= totalRings; ring++ {
			if Ring(key, totalRings, ring).Match(b) {
				matches++
				matchedRing = ring
			}
		}
		if matches != 1 {
			t.Fatalf("bridge %s matched %d rings out of %d, want exactly 1", b.Fingerprint, matches, totalRings)
		}
		counts[matchedRing]++
	}

	for ring := 1; ring <= totalRings; ring++ {
		if counts[ring] == 0 {
			t.Errorf("ring %d received no bridges across %d samples", ring, 400)
		}
	}
}

func TestRulesetKeyIsOrderIndependent(t *testing.T) {
	f1 := IPFamily(4)
	f2 := Transport("obfs4", 0)

	a := Ruleset{f1, f2}
	b := Ruleset{f2, f1}

	if a.Key() != b.Key() {
		t.Errorf("Ruleset.Key() should be order-independent: %q != %q", a.Key(), b.Key())
	}
}

func TestRulesetMatchAllEmptyMatchesEverything(t *testing.T) {
	b := NewBridge("A")
	var rs Ruleset
	if !rs.MatchAll(b) {
		t.Error("an empty Ruleset should match every bridge")
	}
}

func TestRulesetKeyDistinguishesTransportFamily(t *testing.T) {
	v4 := Ruleset{Transport("obfs4", 4)}
	v6 := Ruleset{Transport("obfs4", 6)}
	any := Ruleset{Transport("obfs4", 0)}

	if v4.Key() == v6.Key() {
		t.Errorf("Transport(%q, 4) and Transport(%q, 6) must have distinct cache keys, both got %q", "obfs4", "obfs4", v4.Key())
	}
	if v4.Key() == any.Key() {
		t.Errorf("Transport(%q, 4) and Transport(%q, 0) must have distinct cache keys", "obfs4", "obfs4")
	}
}

func TestRulesetWith(t *testing.T) {
	base := Ruleset{IPFamily(4)}
	extended := base.With(Transport("obfs4", 0))

	if len(base) != 1 {
		t.Errorf("With() must not mutate the receiver, base has length %d", len(base))
	}
	if len(extended) != 2 {
		t.Errorf("extended ruleset has length %d, want 2", len(extended))
	}
}

package core

import (
	"math/big"
	"net"
	"testing"
)

func bridgeWithFingerprint(fp string) *Bridge {
	b := NewBridge(fp)
	b.Address = net.IPv4(198, 51, 100, 1)
	b.ORPort = 443
	return b
}

func TestBridgeRingLen(t *testing.T) {
	r := NewBridgeRing([]byte("ring-key"), nil)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	r.Insert(bridgeWithFingerprint("0000000000000000000000000000000000000A"))
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestBridgeRingInsertReplacesByFingerprint(t *testing.T) {
	r := NewBridgeRing([]byte("ring-key"), nil)
	fp := "0000000000000000000000000000000000000A"

	b1 := bridgeWithFingerprint(fp)
	b1.ORPort = 443
	r.Insert(b1)

	b2 := bridgeWithFingerprint(fp)
	b2.ORPort = 9001
	r.Insert(b2)

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after re-inserting same fingerprint", r.Len())
	}

	got := r.GetBridges(big.NewInt(0), 1)
	if len(got) != 1 || got[0].ORPort != 9001 {
		t.Fatalf("expected the replaced bridge's ORPort to be 9001, got %+v", got)
	}
}

func TestBridgeRingGetBridgesWraps(t *testing.T) {
	r := NewBridgeRing([]byte("ring-key"), nil)
	for i := 0; i < 10; i++ {
		fp := bigIntFingerprint(i)
		r.Insert(bridgeWithFingerprint(fp))
	}

	// A position far beyond any node's HMAC digest must wrap to the first
	// node rather than return nothing.
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	got := r.GetBridges(huge, 3)
	if len(got) != 3 {
		t.Fatalf("GetBridges() returned %d bridges, want 3", len(got))
	}
}

func TestBridgeRingGetBridgesNeverReturnsMoreThanLen(t *testing.T) {
	r := NewBridgeRing([]byte("ring-key"), nil)
	for i := 0; i < 3; i++ {
		r.Insert(bridgeWithFingerprint(bigIntFingerprint(i)))
	}
	got := r.GetBridges(big.NewInt(0), 10)
	if len(got) != 3 {
		t.Fatalf("GetBridges() returned %d bridges, want 3 (capped at ring size)", len(got))
	}
}

func TestBridgeRingGetBridgesEmpty(t *testing.T) {
	r := NewBridgeRing([]byte("ring-key"), nil)
	if got := r.GetBridges(big.NewInt(0), 5); got != nil {
		t.Fatalf("GetBridges() on empty ring = %v, want nil", got)
	}
}

func TestBridgeRingHonorsAnswerParameters(t *testing.T) {
	params := NewAnswerParameters(NewPortConstraint(1, 9001))
	r := NewBridgeRing([]byte("ring-key"), params)

	for i := 0; i < 20; i++ {
		b := bridgeWithFingerprint(bigIntFingerprint(i))
		b.ORPort = 443
		r.Insert(b)
	}
	special := bridgeWithFingerprint(bigIntFingerprint(999))
	special.ORPort = 9001
	r.Insert(special)

	got := r.GetBridges(big.NewInt(0), 3)
	found := false
	for _, b := range got {
		if b.ORPort == 9001 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the port-9001 bridge to be prioritized into a 3-bridge answer, got %+v", got)
	}
}

func TestBridgeRingDeterministicPosition(t *testing.T) {
	r1 := NewBridgeRing([]byte("ring-key"), nil)
	r2 := NewBridgeRing([]byte("ring-key"), nil)
	for i := 0; i < 10; i++ {
		fp := bigIntFingerprint(i)
		r1.Insert(bridgeWithFingerprint(fp))
		r2.Insert(bridgeWithFingerprint(fp))
	}

	a := r1.GetBridges(big.NewInt(12345), 4)
	b := r2.GetBridges(big.NewInt(12345), 4)
	if len(a) != len(b) {
		t.Fatalf("answers differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Fingerprint != b[i].Fingerprint {
			t.Fatalf("answer %d differs: %s vs %s", i, a[i].Fingerprint, b[i].Fingerprint)
		}
	}
}

func bigIntFingerprint(i int) string {
	const hex = "0123456789ABCDEF"
	digits := []byte("0000000000000000000000000000000000000A")
	digits[len(digits)-1] = hex[i%16]
	digits[len(digits)-2] = hex[(i/16)%16]
	digits[len(digits)-3] = hex[(i/256)%16]
	return string(digits)
}

package core

import (
	"net"
	"strconv"
)

// Transport represents a pluggable transport entry advertised by a bridge.
type Transport struct {
	Methodname string
	Address    net.IP
	Port       uint16
	Args       map[string]string
}

// Family returns 4 or 6 depending on the transport address's IP version, or
// 0 if the address is unset or malformed.
func (t *Transport) Family() int {
	return ipFamily(t.Address)
}

// ORAddress represents one of a bridge's additional OR addresses, beyond its
// primary address.
type ORAddress struct {
	Address net.IP
	Ports   map[uint16]bool
	Version int // 4 or 6
}

// Bridge represents a single unlisted relay endpoint.  Identity equality is
// by Fingerprint: two Bridge values with the same fingerprint refer to the
// same bridge, and the most recently inserted one wins.
type Bridge struct {
	Fingerprint string // 40 hex characters

	Address net.IP
	ORPort  uint16

	ORAddresses []ORAddress
	Transports  []Transport

	Running bool
	Stable  bool

	// BlockedIn holds the set of lowercase two-letter country codes that
	// this bridge is known to be blocked in.  A nil/empty map means "not
	// known to be blocked anywhere".
	BlockedIn map[string]bool
}

// NewBridge returns an empty Bridge ready to be populated by a loader.
func NewBridge(fingerprint string) *Bridge {
	return &Bridge{
		Fingerprint: fingerprint,
		BlockedIn:   make(map[string]bool),
	}
}

// IsBlockedIn returns true if the bridge is known to be blocked in the given
// (case-insensitive) country code.
func (b *Bridge) IsBlockedIn(countryCode string) bool {
	if b.BlockedIn == nil {
		return false
	}
	return b.BlockedIn[normalizeCC(countryCode)]
}

// SetBlockedIn records that the bridge is blocked in the given country.
func (b *Bridge) SetBlockedIn(countryCode string) {
	if b.BlockedIn == nil {
		b.BlockedIn = make(map[string]bool)
	}
	b.BlockedIn[normalizeCC(countryCode)] = true
}

func normalizeCC(cc string) string {
	out := make([]byte, len(cc))
	for i := 0; i < len(cc); i++ {
		c := cc[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// ipFamily returns 4 for an IPv4 address, 6 for an IPv6 address, and 0 if ip
// is nil or unparseable.
func ipFamily(ip net.IP) int {
	if ip == nil {
		return 0
	}
	if ip.To4() != nil {
		return 4
	}
	if ip.To16() != nil {
		return 6
	}
	return 0
}

// HasFamily returns true if the bridge's primary address or any of its
// OR-addresses belongs to the given IP family (4 or 6).
func (b *Bridge) HasFamily(family int) bool {
	if ipFamily(b.Address) == family {
		return true
	}
	for _, oa := range b.ORAddresses {
		if oa.Version == family {
			return true
		}
		if oa.Version == 0 && ipFamily(oa.Address) == family {
			return true
		}
	}
	return false
}

// HasTransport returns true if the bridge advertises a transport with the
// given methodname (case-insensitive) whose address belongs to the given IP
// family. A family of 0 matches any address family.
func (b *Bridge) HasTransport(methodname string, family int) bool {
	for _, t := range b.Transports {
		if !equalFoldASCII(t.Methodname, methodname) {
			continue
		}
		if family == 0 || t.Family() == family {
			return true
		}
	}
	return false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// String renders the bridge as a single bridge line, suitable for a plain
// text HTTP answer or an email reply body.
func (b *Bridge) String() string {
	if len(b.Transports) > 0 {
		t := b.Transports[0]
		return t.Methodname + " " + t.Address.String() + ":" + strconv.Itoa(int(t.Port)) + " " + b.Fingerprint
	}
	return b.Address.String() + ":" + strconv.Itoa(int(b.ORPort)) + " " + b.Fingerprint
}

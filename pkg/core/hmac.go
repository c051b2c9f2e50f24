package core

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
)

// Mandatory HMAC labels.  These strings must never change: every derived key
// in a running deployment depends on them, and re-running the catalogue
// loader with a changed label silently scrambles every distributor's
// positions.
const (
	LabelSplitterKey       = "Splitter-Key"
	LabelHTTPSDistKey      = "HTTPS-IP-Dist-Key"
	LabelEmailDistKey      = "Email-Dist-Key"
	LabelAssignToRings     = "Assign-Bridges-To-Rings"
	LabelOrderAreasInRings = "Order-Areas-In-Rings"
	LabelAssignAreasToRing = "Assign-Areas-To-Rings"
	LabelOrderBridgesRingN = "Order-Bridges-In-Ring-%d"
	LabelMapAddressesRing  = "Map-Addresses-To-Ring"
	LabelOrderBridgesRing  = "Order-Bridges-In-Ring"
)

// HMACFunc takes arbitrary input and returns its HMAC-SHA1 digest, keyed by a
// key that was bound when the function was created.
type HMACFunc func(data string) []byte

// HexHMACFunc is like HMACFunc but renders the digest as lowercase hex.
type HexHMACFunc func(data string) string

// DeriveKey derives a labelled sub-key from the given master key.  The label
// is mixed in as the HMAC message, not the key, so a single master key can
// fan out into any number of independent-looking sub-keys.
func DeriveKey(masterKey []byte, label string) []byte {
	mac := hmac.New(sha1.New, masterKey)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// NewHMACFunc returns a closure that computes HMAC-SHA1(key, data) and
// returns the raw 20-byte digest.
func NewHMACFunc(key []byte) HMACFunc {
	return func(data string) []byte {
		mac := hmac.New(sha1.New, key)
		mac.Write([]byte(data))
		return mac.Sum(nil)
	}
}

// NewHexHMACFunc returns a closure that computes HMAC-SHA1(key, data) and
// returns the digest as a 40-character lowercase hex string.
func NewHexHMACFunc(key []byte) HexHMACFunc {
	f := NewHMACFunc(key)
	return func(data string) string {
		return hex.EncodeToString(f(data))
	}
}

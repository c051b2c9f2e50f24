// Package ip implements the IP-based bridge distributor of spec.md §4.6: it
// maps a client IP address to an area, categorises known proxies and Tor
// exits separately from "normal" clients, and selects a hashring position
// deterministically from the client's area and the current epoch.
//
// Grounded on bridgedb's Dist.py IPBasedDistributor, restructured into the
// teacher's struct-with-Init idiom (see NullHypothesis-rdsys's
// pkg/usecases/distributors/salmon package for the general shape, not its
// trust-score content).
package ip

import (
	"fmt"
	"log"
	"math/big"
	"net"
	"strconv"
	"sync"

	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/core"
)

// Category is a distinguished IP membership set (known open proxies, Tor
// exit relays) that gets its own ring(s), evaluated in registration order.
// The first matching category wins (spec.md §9's adopted tie-break).
type Category struct {
	Tag    string
	Member func(net.IP) bool
}

// AreaMapper maps an IP address to an arbitrary "area" string, such that any
// two addresses that should be clustered together map to the same string.
type AreaMapper func(net.IP) string

// UniformAreaMapper is the default "uniform" mapper of spec.md §4.6: it
// returns "a.b.0.0/16" for IPv4 addresses and the "/32" network of the
// address's first two hextets for IPv6, so that clients within one /16
// (v4) or /32 (v6) land in the same area.
func UniformAreaMapper(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.0.0/16", v4[0], v4[1])
	}
	v6 := ip.To16()
	if v6 == nil {
		return ""
	}
	return fmt.Sprintf("%x:%x::/32", uint16(v6[0])<<8|uint16(v6[1]), uint16(v6[2])<<8|uint16(v6[3]))
}

// Distributor hands out bridges based on the IP address of an incoming
// request and the current time period, per spec.md §4.6.
type Distributor struct {
	mu sync.RWMutex

	name         string
	areaMapper   AreaMapper
	nClusters    int
	categories   []Category
	answerParams *core.AnswerParameters
	splitter     *core.FilteredBridgeSplitter

	areaOrderHmac   core.HMACFunc    // "Order-Areas-In-Rings", binary output
	areaClusterHmac core.HexHMACFunc // "Assign-Areas-To-Rings", hex output
}

// New returns an IP-based distributor.  masterKey is the distributor's root
// key (spec.md §4.1's "HTTPS-IP-Dist-Key"); categories and answerParams may
// be nil/empty.
func New(name string, areaMapper AreaMapper, nClusters int, masterKey []byte, categories []Category, answerParams *core.AnswerParameters) *Distributor {
	if areaMapper == nil {
		areaMapper = UniformAreaMapper
	}

	assignKey := core.DeriveKey(masterKey, core.LabelAssignToRings)
	areaOrderKey := core.DeriveKey(masterKey, core.LabelOrderAreasInRings)
	areaClusterKey := core.DeriveKey(masterKey, core.LabelAssignAreasToRing)

	// Size the cache as K+C plus five rings, mirroring the teacher's
	// "ring_cache_size = nClusters + len(categories) + 5".  PrepopulateRings
	// pins (K+C)*3 rings, which are never evicted; once they are in place,
	// each ring built for another filter combination evicts the least
	// recently used unpinned ring.
	ringCacheSize := nClusters + len(categories) + 5

	return &Distributor{
		name:            name,
		areaMapper:      areaMapper,
		nClusters:       nClusters,
		categories:      categories,
		answerParams:    answerParams,
		splitter:        core.NewFilteredBridgeSplitter(assignKey, ringCacheSize),
		areaOrderHmac:   core.NewHMACFunc(areaOrderKey),
		areaClusterHmac: core.NewHexHMACFunc(areaClusterKey),
	}
}

// Insert assigns a bridge to this distributor.
func (d *Distributor) Insert(b *core.Bridge) {
	d.splitter.Insert(b)
}

// Clear drops every bridge and sub-ring, e.g. ahead of a catalogue reload.
func (d *Distributor) Clear() {
	d.splitter.Clear()
}

// Len returns the number of bridges assigned to this distributor.
func (d *Distributor) Len() int {
	return d.splitter.Len()
}

// totalRings returns K+C, the total number of top-level sub-rings.
func (d *Distributor) totalRings() int {
	return d.nClusters + len(d.categories)
}

// PrepopulateRings materialises a pinned sub-ring for every (cluster or
// category) x {none, ip=4, ip=6} combination, per spec.md §4.6.  This warms
// the cache and gives external tooling a stable set of rings to dump.
func (d *Distributor) PrepopulateRings() {
	d.mu.Lock()
	defer d.mu.Unlock()

	variants := []*core.Filter{nil, filterPtr(core.IPFamily(4)), filterPtr(core.IPFamily(6))}
	total := d.totalRings()
	assignKey := d.splitter.AssignKey()

	for _, v := range variants {
		for cluster := 1; cluster <= d.nClusters; cluster++ {
			ruleset := core.Ruleset{core.Ring(assignKey, total, cluster)}
			if v != nil {
				ruleset = ruleset.With(*v)
			}
			label := fmt.Sprintf(core.LabelOrderBridgesRingN, cluster-1)
			d.splitter.AddRing(label, ruleset, d.answerParams, true, true)
		}
		for j := 1; j <= len(d.categories); j++ {
			ringNum := d.nClusters + j
			ruleset := core.Ruleset{core.Ring(assignKey, total, ringNum)}
			if v != nil {
				ruleset = ruleset.With(*v)
			}
			label := fmt.Sprintf(core.LabelOrderBridgesRingN, ringNum-1)
			d.splitter.AddRing(label, ruleset, d.answerParams, true, true)
		}
	}
}

func filterPtr(f core.Filter) *core.Filter { return &f }

// GetBridgesForIP returns up to n bridges for a request from ip during the
// given epoch, subject to any extra filters the caller supplies (e.g. a
// requested pluggable transport or country-unblocked constraint).
func (d *Distributor) GetBridgesForIP(ip net.IP, epoch string, n int, extraFilters ...core.Filter) []*core.Bridge {
	if d.splitter.Len() == 0 {
		log.Printf("%s distributor: bailing, splitter has zero bridges", d.name)
		return nil
	}

	total := d.totalRings()
	assignKey := d.splitter.AssignKey()

	var ringNum int
	var pos *big.Int

	matched := false
	for j, cat := range d.categories {
		if !cat.Member(ip) {
			continue
		}
		ringNum = d.nClusters + j + 1
		group := (ipMod4(ip)) + 1
		pos = new(big.Int).SetBytes(d.areaOrderHmac(fmt.Sprintf("known-proxy<%s>%d", epoch, group)))
		matched = true
		break
	}

	if !matched {
		area := d.areaMapper(ip)
		clusterHex := d.areaClusterHmac(area)
		h, _ := strconv.ParseUint(clusterHex[:8], 16, 32)
		ringNum = int(uint32(h))%d.nClusters + 1
		pos = new(big.Int).SetBytes(d.areaOrderHmac(fmt.Sprintf("<%s>%s", epoch, area)))
	}

	label := fmt.Sprintf(core.LabelOrderBridgesRingN, ringNum-1)
	ruleset := core.Ruleset{core.Ring(assignKey, total, ringNum)}.With(extraFilters...)

	ring, exists := d.splitter.Lookup(ruleset)
	if !exists {
		ring = d.splitter.AddRing(label, ruleset, d.answerParams, true, false)
	}

	count := core.NumBridgesPerAnswer(ring.Len(), n)
	return ring.GetBridges(pos, count)
}

// ipMod4 reduces an IP address to (value mod 4), clustering Tor/proxy
// clients into four groups regardless of how many distinct proxy addresses
// they use in a given epoch.
func ipMod4(ip net.IP) int64 {
	var v *big.Int
	if v4 := ip.To4(); v4 != nil {
		v = new(big.Int).SetBytes(v4)
	} else {
		v = new(big.Int).SetBytes(ip.To16())
	}
	mod := new(big.Int).Mod(v, big.NewInt(4))
	return mod.Int64()
}

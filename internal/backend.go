package internal

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/core"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/distributors/email"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/distributors/ip"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/persistence"
)

const (
	MinTransportWords = 3
	TransportPrefix   = "transport"
	ExtraInfoPrefix   = "extra-info"
)

// Catalogue is a running instance of the distribution engine: the
// top-level weighted splitter and the two per-channel distributors it
// feeds, plus the persistent store they share.
type Catalogue struct {
	MasterKey   []byte
	Splitter    *core.BridgeSplitter
	HTTPS       *ip.Distributor
	Email       *email.Distributor
	Unallocated *core.UnallocatedHolder
	Store       persistence.Store
	Metrics     *Metrics

	proxyLists *proxyListRegistry
}

// NewCatalogue builds a Catalogue from cfg and masterKey, registering the
// HTTPS and Email distributors with the top-level splitter according to
// their configured shares (spec.md §4.5) and wiring bridge-assignment
// provenance into store via the splitter's Tracker.
func NewCatalogue(cfg *Config, masterKey []byte, store persistence.Store, metrics *Metrics) *Catalogue {
	registry := newProxyListRegistry(cfg.Distributors.Https.ProxyListFiles)

	httpsKey := core.DeriveKey(masterKey, core.LabelHTTPSDistKey)
	httpsDist := ip.New("https", nil, cfg.Distributors.Https.NClusters, httpsKey, registry.categories(), nil)

	emailKey := core.DeriveKey(masterKey, core.LabelEmailDistKey)
	emailDist := email.New("email", emailKey, cfg.Distributors.Email.Whitelist, nil, store)

	unallocated := core.NewUnallocatedHolder()

	tracker := func(b *core.Bridge, distName string, firstSeen, lastSeen time.Time) {
		if metrics != nil {
			metrics.Bridges.WithLabelValues(distName).Inc()
		}
		tx, err := store.Begin()
		if err != nil {
			return
		}
		tx.PutBridge(persistence.BridgeRecord{
			Fingerprint:     b.Fingerprint,
			DistributorName: distName,
			Address:         b.Address.String(),
			ORPort:          b.ORPort,
			FirstSeen:       firstSeen,
			LastSeen:        lastSeen,
		})
		tx.Commit()
	}

	splitter := core.NewBridgeSplitter(core.DeriveKey(masterKey, core.LabelSplitterKey), tracker)
	splitter.Register("https", cfg.Distributors.Https.Share, httpsDist)
	splitter.Register("email", cfg.Distributors.Email.Share, emailDist)
	splitter.Register("unallocated", cfg.Distributors.ReservedShare, unallocated)

	return &Catalogue{
		MasterKey:   masterKey,
		Splitter:    splitter,
		HTTPS:       httpsDist,
		Email:       emailDist,
		Unallocated: unallocated,
		Store:       store,
		Metrics:     metrics,
		proxyLists:  registry,
	}
}

// Reload replaces the catalogue's bridge set with the contents of
// extrainfoFile and blocklistFile, then prepopulates each distributor's
// pinned sub-rings.  It is the only way the catalogue's contents change:
// there is no incremental update path (spec.md §3's "Lifecycle" invariant;
// real-time rebalancing is a non-goal).
func (c *Catalogue) Reload(extrainfoFile, blocklistFile string) error {
	bridges, err := LoadBridges(extrainfoFile)
	if err != nil {
		return fmt.Errorf("loading bridge descriptors: %w", err)
	}

	if err := c.proxyLists.reload(); err != nil {
		return fmt.Errorf("loading proxy lists: %w", err)
	}

	blocks, err := LoadBlocklist(blocklistFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading blocklist: %w", err)
	}
	blocksByFingerprint := make(map[string][]string)
	for _, blk := range blocks {
		blocksByFingerprint[blk.Fingerprint] = append(blocksByFingerprint[blk.Fingerprint], blk.CountryCode)
	}

	c.HTTPS.Clear()
	c.Email.Clear()
	if c.Metrics != nil {
		c.Metrics.Bridges.Reset()
	}

	for _, b := range bridges {
		for _, cc := range blocksByFingerprint[b.Fingerprint] {
			b.SetBlockedIn(cc)
		}
		c.Splitter.Insert(b)
	}

	c.HTTPS.PrepopulateRings()
	c.Email.PrepopulateRings()

	return nil
}

// ReloadLoop calls Reload once immediately, then every interval until stop
// is closed.
func (c *Catalogue) ReloadLoop(extrainfoFile, blocklistFile string, interval time.Duration, stop <-chan struct{}) {
	reload := func() {
		log.Println("Reloading bridge catalogue.")
		if err := c.Reload(extrainfoFile, blocklistFile); err != nil {
			log.Printf("Catalogue reload failed: %s", err)
			return
		}
		log.Printf("Catalogue reload complete: %d bridges assigned to https, %d to email, %d unallocated.",
			c.HTTPS.Len(), c.Email.Len(), c.Unallocated.Len())
	}
	reload()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reload()
		case <-stop:
			return
		}
	}
}

// BlockEntry is one line of the country-blocklist file: a bridge
// fingerprint known to be blocked in a given country.
type BlockEntry struct {
	Fingerprint string
	CountryCode string
}

// LoadBlocklist reads a "<fingerprint> <cc>" file, one entry per line.
func LoadBlocklist(filename string) ([]BlockEntry, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []BlockEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		entries = append(entries, BlockEntry{Fingerprint: fields[0], CountryCode: strings.ToLower(fields[1])})
	}
	return entries, scanner.Err()
}

// LoadBridges parses the given extra-info style document into Bridge
// values.  The format is the one the Tor bridge authority produces:
// blocks beginning with an "extra-info <nickname> <fingerprint>" line,
// followed by zero or more "transport <method> <addr:port> [k=v,...]"
// lines.
func LoadBridges(extrainfoFile string) ([]*core.Bridge, error) {
	file, err := os.Open(extrainfoFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ParseExtrainfoDoc(file)
}

// ParseExtrainfoDoc parses r in the format LoadBridges expects, producing
// one core.Bridge per "extra-info" block it finds.
func ParseExtrainfoDoc(r *os.File) ([]*core.Bridge, error) {
	var bridges []*core.Bridge
	var b *core.Bridge

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, ExtraInfoPrefix) {
			words := strings.Split(line, " ")
			if len(words) != 3 {
				return nil, errors.New("incorrect number of words in 'extra-info' line")
			}
			b = core.NewBridge(words[2])
			bridges = append(bridges, b)
			continue
		}

		if strings.HasPrefix(line, TransportPrefix) {
			if b == nil {
				return nil, errors.New("'transport' line without a preceding 'extra-info' line")
			}
			t, err := parseTransportLine(line)
			if err != nil {
				return nil, err
			}
			b.Transports = append(b.Transports, t)
			if b.Address == nil {
				b.Address = t.Address
				b.ORPort = t.Port
			}
		}
	}

	return bridges, scanner.Err()
}

// parseTransportLine parses a single "transport <method> <addr:port>
// [k=v,...]" line per dir-spec.txt's pluggable transport line format.
func parseTransportLine(line string) (core.Transport, error) {
	if !strings.HasPrefix(line, TransportPrefix) {
		return core.Transport{}, errors.New("no 'transport' prefix")
	}

	words := strings.Split(line, " ")
	if len(words) < MinTransportWords {
		return core.Transport{}, errors.New("not enough arguments in 'transport' line")
	}

	t := core.Transport{Methodname: words[1], Args: make(map[string]string)}

	host, portStr, err := net.SplitHostPort(words[2])
	if err != nil {
		return core.Transport{}, err
	}
	addr := net.ParseIP(host)
	if addr == nil {
		return core.Transport{}, fmt.Errorf("invalid transport address %q", host)
	}
	t.Address = addr

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return core.Transport{}, err
	}
	t.Port = uint16(port)

	if len(words) > MinTransportWords {
		for _, arg := range strings.Split(words[3], ",") {
			kv := strings.SplitN(arg, "=", 2)
			if len(kv) != 2 {
				return core.Transport{}, fmt.Errorf("key-value pair %q not separated by a '='", arg)
			}
			t.Args[kv[0]] = kv[1]
		}
	}

	return t, nil
}

// proxyListRegistry tracks the membership sets backing the IP
// distributor's "known proxy" categories (PROXY_LIST_FILES), one set per
// configured file, refreshed on every Reload.
type proxyListRegistry struct {
	mu    sync.RWMutex
	files []string
	sets  []map[string]bool
}

func newProxyListRegistry(files []string) *proxyListRegistry {
	sets := make([]map[string]bool, len(files))
	for i := range sets {
		sets[i] = make(map[string]bool)
	}
	return &proxyListRegistry{files: files, sets: sets}
}

func (p *proxyListRegistry) reload() error {
	for i, f := range p.files {
		set, err := loadProxyListFile(f)
		if err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		p.mu.Lock()
		p.sets[i] = set
		p.mu.Unlock()
	}
	return nil
}

// categories returns one ip.Category per configured proxy-list file,
// tagged with the file's base name, in file order (the ordering
// GetBridgesForIP's first-match tie-break depends on).
func (p *proxyListRegistry) categories() []ip.Category {
	cats := make([]ip.Category, len(p.files))
	for i, f := range p.files {
		idx := i
		cats[i] = ip.Category{
			Tag: filepath.Base(f),
			Member: func(addr net.IP) bool {
				p.mu.RLock()
				defer p.mu.RUnlock()
				return p.sets[idx][addr.String()]
			},
		}
	}
	return cats
}

func loadProxyListFile(filename string) (map[string]bool, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	set := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if addr := net.ParseIP(line); addr != nil {
			set[addr.String()] = true
		}
	}
	return set, scanner.Err()
}

// Package email implements the email-based bridge distributor of spec.md
// §4.7: a per-canonical-sender rate-limit state machine gating a single
// filtered hashring, keyed by the sender's canonical address rather than an
// IP-derived area.
//
// Grounded on bridgedb's Dist.py EmailBasedDistributor for the state
// machine, and on the teacher's pkg/usecases/distributors/salmon package for
// the general distributor-with-persistent-state shape (not its trust-score
// content).
package email

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/core"
	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/persistence"
)

// MaxEmailRate is the minimum interval, per canonical sender, between two
// successful bridge requests: spec.md §4.7's W = 3*3600 seconds.
const MaxEmailRate = 3 * time.Hour

// Outcome classifies the result of a GetBridges call.
type Outcome int

const (
	// Accepted means the sender's request passed the rate check and the
	// returned bridges (possibly empty, if none matched) are the answer.
	Accepted Outcome = iota
	// RateLimitWarn means this is the first rejection within the current
	// window; the caller should send the sender a one-shot warning email.
	RateLimitWarn
	// RateLimitSilent means a prior rejection in this window already
	// warned the sender; the caller must not send another email.
	RateLimitSilent
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RateLimitWarn:
		return "rate-limit-warn"
	case RateLimitSilent:
		return "rate-limit-silent"
	default:
		return "unknown"
	}
}

// Distributor hands out bridges to senders who pass the canonical-email rate
// limit, per spec.md §4.7.
type Distributor struct {
	name         string
	whitelist    map[string]bool
	answerParams *core.AnswerParameters
	splitter     *core.FilteredBridgeSplitter
	emailHmac    core.HMACFunc
	store        persistence.Store
	maxRate      time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns an email-based distributor.  masterKey is the distributor's
// root key (the "Email-Dist-Key"-derived key); whitelist holds canonical
// sender addresses exempt from rate-limiting.
func New(name string, masterKey []byte, whitelist []string, answerParams *core.AnswerParameters, store persistence.Store) *Distributor {
	assignKey := core.DeriveKey(masterKey, core.LabelAssignToRings)
	emailHmacKey := core.DeriveKey(masterKey, core.LabelMapAddressesRing)

	wl := make(map[string]bool, len(whitelist))
	for _, addr := range whitelist {
		wl[addr] = true
	}

	return &Distributor{
		name:         name,
		whitelist:    wl,
		answerParams: answerParams,
		splitter:     core.NewFilteredBridgeSplitter(assignKey, 2+5),
		emailHmac:    core.NewHMACFunc(emailHmacKey),
		store:        store,
		maxRate:      MaxEmailRate,
		locks:        make(map[string]*sync.Mutex),
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

// PrepopulateRings materialises the two pinned sub-rings of spec.md §4.7,
// one for ip=4 and one for ip=6.
func (d *Distributor) PrepopulateRings() {
	for _, family := range []int{4, 6} {
		ruleset := core.Ruleset{core.IPFamily(family)}
		d.splitter.AddRing(core.LabelOrderBridgesRing, ruleset, d.answerParams, true, true)
	}
}

// senderLock returns the mutex serialising rate-limit accounting for a given
// canonical sender, per spec.md §5's "two concurrent requests from the same
// canonical sender must not both pass the rate check".
func (d *Distributor) senderLock(canonicalEmail string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()

	l, ok := d.locks[canonicalEmail]
	if !ok {
		l = &sync.Mutex{}
		d.locks[canonicalEmail] = l
	}
	return l
}

// GetBridges runs the rate-limit state machine for canonicalEmail and, if it
// passes, returns up to n bridges matching extraFilters.  now is passed in
// rather than read from the clock so callers (and tests) control epoch
// boundaries deterministically.
//
// The storage transaction commits iff the request is accepted or triggers a
// one-shot warning; a silently-rejected request leaves no trace, per spec.md
// §5's cancellation-safety requirement.
func (d *Distributor) GetBridges(canonicalEmail string, now time.Time, n int, extraFilters ...core.Filter) ([]*core.Bridge, Outcome, error) {
	lock := d.senderLock(canonicalEmail)
	lock.Lock()
	defer lock.Unlock()

	tx, err := d.store.Begin()
	if err != nil {
		return nil, Accepted, fmt.Errorf("email distributor: begin transaction: %w", err)
	}

	outcome, err := d.checkRateLimit(tx, canonicalEmail, now)
	if err != nil {
		tx.Rollback()
		return nil, Accepted, fmt.Errorf("email distributor: rate-limit check: %w", err)
	}

	if outcome == RateLimitSilent {
		tx.Rollback()
		return nil, outcome, nil
	}

	var bridges []*core.Bridge
	if outcome == Accepted {
		bridges = d.selectBridges(canonicalEmail, now, n, extraFilters...)
	}

	if err := tx.Commit(); err != nil {
		return nil, Accepted, fmt.Errorf("email distributor: commit transaction: %w", err)
	}

	return bridges, outcome, nil
}

// checkRateLimit implements the (last-request-ts, warned-flag) state machine
// of spec.md §4.7's table, applying whatever store mutation the transition
// requires.  It does not commit or roll back; the caller owns tx's lifetime.
func (d *Distributor) checkRateLimit(tx persistence.Tx, canonicalEmail string, now time.Time) (Outcome, error) {
	if d.whitelist[canonicalEmail] {
		return d.accept(tx, canonicalEmail, now)
	}

	last, hasLast, err := tx.EmailedBridges(canonicalEmail)
	if err != nil {
		return Accepted, err
	}
	if !hasLast {
		return d.accept(tx, canonicalEmail, now)
	}

	if last.Add(d.maxRate).After(now) {
		_, isWarned, err := tx.WarnedEmails(canonicalEmail)
		if err != nil {
			return Accepted, err
		}
		if isWarned {
			return RateLimitSilent, nil
		}
		if err := tx.SetWarnedEmails(canonicalEmail, now); err != nil {
			return Accepted, err
		}
		return RateLimitWarn, nil
	}

	return d.accept(tx, canonicalEmail, now)
}

// accept performs the store mutation shared by every "accept, answer"
// transition in the rate-limit table: record the request time and clear any
// outstanding warned-flag, since every such transition ends in state
// (now, false).
func (d *Distributor) accept(tx persistence.Tx, canonicalEmail string, now time.Time) (Outcome, error) {
	if err := tx.SetEmailedBridges(canonicalEmail, now); err != nil {
		return Accepted, err
	}
	if err := tx.ClearWarnedEmails(canonicalEmail); err != nil {
		return Accepted, err
	}
	return Accepted, nil
}

// selectBridges picks the sub-ring for extraFilters and returns a
// deterministic answer for this epoch.  now's calendar date (UTC) serves as
// the epoch string, matching the IP distributor's per-day rotation.
func (d *Distributor) selectBridges(canonicalEmail string, now time.Time, n int, extraFilters ...core.Filter) []*core.Bridge {
	if d.splitter.Len() == 0 {
		return nil
	}

	epoch := now.UTC().Format("2006-01-02")
	ruleset := core.Ruleset(extraFilters)

	ring, exists := d.splitter.Lookup(ruleset)
	if !exists {
		ring = d.splitter.AddRing(core.LabelOrderBridgesRing, ruleset, d.answerParams, true, false)
	}

	pos := new(big.Int).SetBytes(d.emailHmac(fmt.Sprintf("<%s>%s", epoch, canonicalEmail)))
	count := core.NumBridgesPerAnswer(ring.Len(), n)
	return ring.GetBridges(pos, count)
}

// Package persistence defines the external key/value collections spec.md §6
// requires the core to have (bridge provenance, email rate-limit records,
// per-country block records), each addressed by a stable key and updated
// under a transaction so a failed front-end request never leaves partial
// state behind.
package persistence

import "time"

// BridgeRecord is what the Bridges(fingerprint) collection stores about a
// bridge's distribution history: which distributor it landed in, and when it
// was first/last seen there.
type BridgeRecord struct {
	Fingerprint     string
	DistributorName string
	Address         string
	ORPort          uint16
	FirstSeen       time.Time
	LastSeen        time.Time
}

// Tx is a single read/decide/write sequence against the store.  A Tx must be
// closed with exactly one of Commit or Rollback; Rollback (or an unclosed Tx)
// must leave the store exactly as it was before Begin.
type Tx interface {
	// EmailedBridges returns the last time bridges were successfully handed
	// out to canonicalEmail, and whether a record exists at all.
	EmailedBridges(canonicalEmail string) (time.Time, bool, error)

	// SetEmailedBridges records that canonicalEmail just received an answer
	// at ts.  It leaves any warned state as it is; ClearWarnedEmails removes
	// that.
	SetEmailedBridges(canonicalEmail string, ts time.Time) error

	// WarnedEmails returns whether canonicalEmail is currently in the
	// "warned" state and the time of that warning.
	WarnedEmails(canonicalEmail string) (time.Time, bool, error)

	// SetWarnedEmails records that canonicalEmail was just sent its one-shot
	// rate-limit warning at ts.
	SetWarnedEmails(canonicalEmail string, ts time.Time) error

	// ClearWarnedEmails removes canonicalEmail's warned-flag, e.g. once the
	// rate-limit window has elapsed and a fresh request is accepted.
	ClearWarnedEmails(canonicalEmail string) error

	// PutBridge records or updates a bridge's distributor assignment.
	PutBridge(rec BridgeRecord) error

	// BlockBridge records that fingerprint is blocked in countryCode.
	BlockBridge(fingerprint, countryCode string) error

	// IsBridgeBlocked reports whether fingerprint is recorded as blocked in
	// countryCode.
	IsBridgeBlocked(fingerprint, countryCode string) (bool, error)

	// Commit makes the transaction's writes durable.
	Commit() error

	// Rollback discards the transaction's writes.
	Rollback() error
}

// Store is the external persistent-state collection of spec.md §6.  An
// implementation must serialize transactions that touch the same key (the
// email rate-limit records in particular) so two concurrent requests from
// the same canonical sender cannot both observe a pass.
type Store interface {
	Begin() (Tx, error)
	Close() error
}

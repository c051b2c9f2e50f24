// Package file implements persistence.Store on top of a single gob-encoded
// file, guarded by a mutex so that at most one transaction is open at a
// time.  Grounded on the teacher's FilePersistence (encoding/gob, 0700
// working directory), generalised from a single blob Load/Save into the
// Store/Tx transaction shape spec.md §6 requires.
package file

import (
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"path"
	"sync"
	"time"

	"gitlab.torproject.org/tpo/anti-censorship/bridgedist/pkg/persistence"
)

const PersistenceMethod = "file"

// state is the gob-serialisable snapshot of everything the store tracks.
type state struct {
	Emailed map[string]time.Time
	Warned  map[string]time.Time
	Bridges map[string]persistence.BridgeRecord
	Blocked map[string]bool // "fingerprint\x00countryCode" -> true
}

func newState() *state {
	return &state{
		Emailed: make(map[string]time.Time),
		Warned:  make(map[string]time.Time),
		Bridges: make(map[string]persistence.BridgeRecord),
		Blocked: make(map[string]bool),
	}
}

// Store is a gob-file-backed persistence.Store.  Only one transaction may be
// open at a time; Begin blocks until any prior transaction commits or rolls
// back, giving the single-writer-per-key semantics spec.md §6 asks for.
type Store struct {
	mu       sync.Mutex
	filename string
	st       *state
}

// New returns a Store backed by "<workingDir>/file-<distName>.bin".  The
// working directory is created, if necessary, on the first save.
func New(distName string, workingDir string) *Store {
	file := fmt.Sprintf("%s-%s.bin", PersistenceMethod, distName)
	filename := path.Join(workingDir, file)
	return &Store{filename: filename, st: newState()}
}

// Load reads the on-disk snapshot, if any, replacing the in-memory state.
// Call once at startup before serving requests.
func (s *Store) Load() error {
	log.Printf("Attempting to load state from %q.", s.filename)

	fh, err := os.Open(s.filename)
	if os.IsNotExist(err) {
		s.st = newState()
		return nil
	}
	if err != nil {
		return err
	}
	defer fh.Close()

	st := newState()
	dec := gob.NewDecoder(fh)
	if err := dec.Decode(st); err != nil {
		return err
	}
	s.st = st
	return nil
}

// save writes the in-memory state to disk.  Must be called with s.mu held.
func (s *Store) save() error {
	log.Printf("Attempting to save state to %q.", s.filename)

	dirPath := path.Dir(s.filename)
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return err
	}

	fh, err := os.Create(s.filename)
	if err != nil {
		return err
	}
	defer fh.Close()

	enc := gob.NewEncoder(fh)
	return enc.Encode(s.st)
}

// Close flushes the current state to disk and releases the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Begin acquires the store's mutex and returns a transaction over a working
// copy of the state.  Commit flushes the working copy to disk and to the
// store's in-memory state; Rollback discards it.
func (s *Store) Begin() (persistence.Tx, error) {
	s.mu.Lock()
	return &tx{store: s, working: cloneState(s.st)}, nil
}

func cloneState(st *state) *state {
	clone := newState()
	for k, v := range st.Emailed {
		clone.Emailed[k] = v
	}
	for k, v := range st.Warned {
		clone.Warned[k] = v
	}
	for k, v := range st.Bridges {
		clone.Bridges[k] = v
	}
	for k, v := range st.Blocked {
		clone.Blocked[k] = v
	}
	return clone
}

type tx struct {
	store   *Store
	working *state
	done    bool
}

func (t *tx) EmailedBridges(canonicalEmail string) (time.Time, bool, error) {
	ts, ok := t.working.Emailed[canonicalEmail]
	return ts, ok, nil
}

func (t *tx) SetEmailedBridges(canonicalEmail string, ts time.Time) error {
	t.working.Emailed[canonicalEmail] = ts
	return nil
}

func (t *tx) WarnedEmails(canonicalEmail string) (time.Time, bool, error) {
	ts, ok := t.working.Warned[canonicalEmail]
	return ts, ok, nil
}

func (t *tx) SetWarnedEmails(canonicalEmail string, ts time.Time) error {
	t.working.Warned[canonicalEmail] = ts
	return nil
}

func (t *tx) ClearWarnedEmails(canonicalEmail string) error {
	delete(t.working.Warned, canonicalEmail)
	return nil
}

func (t *tx) PutBridge(rec persistence.BridgeRecord) error {
	t.working.Bridges[rec.Fingerprint] = rec
	return nil
}

func (t *tx) BlockBridge(fingerprint, countryCode string) error {
	t.working.Blocked[blockKey(fingerprint, countryCode)] = true
	return nil
}

func (t *tx) IsBridgeBlocked(fingerprint, countryCode string) (bool, error) {
	return t.working.Blocked[blockKey(fingerprint, countryCode)], nil
}

func blockKey(fingerprint, countryCode string) string {
	return fingerprint + "\x00" + countryCode
}

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("file: transaction already closed")
	}
	t.done = true
	defer t.store.mu.Unlock()

	t.store.st = t.working
	return t.store.save()
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

package internal

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/gob"
	"log"
	"os"
)

// MasterKeySize is the length, in bytes, of the master HMAC key from which
// every per-distributor and per-ring key is derived (spec.md §4.1).
const MasterKeySize = 32

// GetRandBase32 takes as input the number of desired bytes and returns a
// Base32-encoded string consisting of the given number of cryptographically
// secure random bytes.  If anything went wrong, an error is returned.
func GetRandBase32(numBytes int) (string, error) {

	rawStr := make([]byte, numBytes)
	_, err := rand.Read(rawStr)
	if err != nil {
		return "", err
	}
	str := base32.StdEncoding.EncodeToString(rawStr)

	return str, nil
}

func Serialise(filename string, object interface{}) error {

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := gob.NewEncoder(file)
	enc.Encode(object)

	return nil
}

func Deserialise(filename string, object interface{}) error {

	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	dec := gob.NewDecoder(file)
	return dec.Decode(object)
}

// LoadOrCreateMasterKey loads the master HMAC key from filename, generating
// and persisting a fresh one on first run.  The key must never change once
// bridges have been assigned: regenerating it reshuffles every ring.
func LoadOrCreateMasterKey(filename string) ([]byte, error) {
	var key []byte
	if err := Deserialise(filename, &key); err == nil {
		if len(key) != MasterKeySize {
			log.Printf("master key at %q has unexpected length %d, regenerating", filename, len(key))
		} else {
			return key, nil
		}
	}

	log.Printf("Generating new master key at %q.", filename)
	key = make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := Serialise(filename, &key); err != nil {
		return nil, err
	}
	return key, nil
}

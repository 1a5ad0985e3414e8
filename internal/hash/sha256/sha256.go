// Package sha256 fingerprints product payloads so unchanged snapshots can be
// recognized as duplicates.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Hasher implements harvest.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. Valid JSON is re-encoded first
// (sorted keys, no insignificant whitespace) so formatting changes do not
// produce a new digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(canonical(data))
	return hex.EncodeToString(sum[:]), nil
}

func canonical(data []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return data
	}
	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}

// Package idgen generates identifiers for ledger entries and dependent records.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable ULID string.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID for the given instant.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

// WithPrefix returns prefix followed by a ULID (e.g. "txn_", "int_").
func WithPrefix(prefix string) string {
	return prefix + New()
}

// Hash returns the hex sha256 of the concatenated parts. Used for
// deterministic document ids such as per-tenant lead dedup keys.
func Hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

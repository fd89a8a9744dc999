// Package pagination implements opaque keyset cursors over lists ordered
// newest first by (timestamp, id).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor marks the last item of the previous page.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.At.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input is the first page and
// returns nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// olderThan reports whether (at, id) comes after c in newest-first order.
func (c *Cursor) olderThan(at time.Time, id string) bool {
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return id < c.ID
}

// Page returns up to limit items following cur from items sorted newest
// first, and the cursor for the next page ("" on the last page).
func Page[T any](items []T, cur *Cursor, limit int, key func(T) (time.Time, string)) ([]T, string) {
	start := 0
	if cur != nil {
		start = len(items)
		for i, it := range items {
			if cur.olderThan(key(it)) {
				start = i
				break
			}
		}
	}
	rest := items[start:]
	if limit <= 0 || len(rest) <= limit {
		return rest, ""
	}
	page := rest[:limit]
	at, id := key(page[len(page)-1])
	return page, Cursor{At: at, ID: id}.Encode()
}

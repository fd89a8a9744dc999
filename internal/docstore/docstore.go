// Package docstore is a small transactional document store. Documents are
// JSON bodies addressed by (collection, id). All multi-document mutations go
// through RunAtomic, which either commits every write made by the callback
// or none of them.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrAlreadyExists = errors.New("docstore: document already exists")
	// ErrConflict means a concurrent transaction invalidated this one's reads.
	// RunAtomic retries it internally and only surfaces it once retries are
	// exhausted.
	ErrConflict = errors.New("docstore: transaction conflict")
)

// Key addresses one document.
type Key struct {
	Collection string
	ID         string
}

// K is shorthand for Key{collection, id}.
func K(collection, id string) Key {
	return Key{Collection: collection, ID: id}
}

func (k Key) String() string { return k.Collection + "/" + k.ID }

// Filter matches documents whose field (dotted path for nested objects)
// renders as Value.
type Filter struct {
	Field string
	Value string
}

// Where builds an equality filter.
func Where(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

func (f Filter) path() []string { return strings.Split(f.Field, ".") }

// Document is a raw query result.
type Document struct {
	Key  Key
	Data json.RawMessage
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// Reader performs non-transactional reads.
type Reader interface {
	Get(ctx context.Context, key Key, v any) error
	// Query returns matching documents ordered by id.
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
}

// Tx is the view a RunAtomic callback gets. Reads observe the transaction's
// own writes. Writes become visible only on commit.
type Tx interface {
	Get(ctx context.Context, key Key, v any) error
	// Create writes v only if no document exists at key; otherwise it
	// returns ErrAlreadyExists.
	Create(ctx context.Context, key Key, v any) error
	Set(ctx context.Context, key Key, v any) error
}

// TxFunc is a unit of work. It may be invoked more than once when the
// store retries after a conflict, so it must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the persistence boundary used by the metering core.
type Store interface {
	Reader
	// RunAtomic runs fn in a serializable transaction. An error returned by
	// fn aborts the transaction with no writes applied and is returned as is.
	RunAtomic(ctx context.Context, fn TxFunc) error
	Ping(ctx context.Context) error
}

// IsConflict reports whether err is a retry-exhausted conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// lookup walks a dotted path through a decoded JSON object and renders the
// leaf the way PostgreSQL's #>> operator does.
func lookup(doc map[string]any, path []string) (string, bool) {
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[p]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/cocrm/internal/retry"
	"github.com/mbd888/cocrm/internal/syncutil"
)

type record struct {
	data    []byte
	version int64
}

// MemoryStore is an in-memory Store with optimistic concurrency: a
// transaction records the version of every document it reads and commit
// fails with ErrConflict if any of them changed, after which RunAtomic
// re-runs the callback.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[Key]*record
	locks syncutil.ShardedMutex

	policy    retry.Policy
	injected  atomic.Int32
	conflicts atomic.Int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[Key]*record),
		policy: retry.Policy{
			MaxAttempts: 200,
			BaseDelay:   200 * time.Microsecond,
			MaxDelay:    5 * time.Millisecond,
			Retryable:   func(err error) bool { return errors.Is(err, ErrConflict) },
		},
	}
}

// InjectConflicts makes the next n commits fail as if a concurrent writer won.
func (m *MemoryStore) InjectConflicts(n int) {
	m.injected.Add(int32(n))
}

// Conflicts returns how many commits have been rejected so far.
func (m *MemoryStore) Conflicts() int64 {
	return m.conflicts.Load()
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Get(ctx context.Context, key Key, v any) error {
	m.mu.RLock()
	rec, ok := m.docs[key]
	var data []byte
	if ok {
		data = rec.data
	}
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (m *MemoryStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	m.mu.RLock()
	var out []Document
	for k, rec := range m.docs {
		if k.Collection != collection {
			continue
		}
		out = append(out, Document{Key: k, Data: append(json.RawMessage(nil), rec.data...)})
	}
	m.mu.RUnlock()

	if len(filters) > 0 {
		matched := out[:0]
		for _, d := range out {
			var body map[string]any
			if err := json.Unmarshal(d.Data, &body); err != nil {
				return nil, fmt.Errorf("docstore: decode %s: %w", d.Key, err)
			}
			if matches(body, filters) {
				matched = append(matched, d)
			}
		}
		out = matched
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out, nil
}

func matches(body map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := lookup(body, f.path())
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

func (m *MemoryStore) RunAtomic(ctx context.Context, fn TxFunc) error {
	return m.policy.Do(ctx, func() error {
		tx := &memTx{
			store:  m,
			reads:  make(map[Key]int64),
			writes: make(map[Key][]byte),
		}
		if err := fn(ctx, tx); err != nil {
			return retry.Permanent(err)
		}
		return m.commit(tx)
	})
}

func (m *MemoryStore) takeInjected() bool {
	for {
		n := m.injected.Load()
		if n <= 0 {
			return false
		}
		if m.injected.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (m *MemoryStore) version(key Key) int64 {
	if rec, ok := m.docs[key]; ok {
		return rec.version
	}
	return 0
}

func (m *MemoryStore) commit(tx *memTx) error {
	if len(tx.writes) == 0 {
		return nil
	}

	keys := make([]string, 0, len(tx.reads)+len(tx.writes))
	for k := range tx.reads {
		keys = append(keys, k.String())
	}
	for k := range tx.writes {
		keys = append(keys, k.String())
	}
	unlock := m.locks.LockKeys(keys...)
	defer unlock()

	if m.takeInjected() {
		m.conflicts.Add(1)
		return ErrConflict
	}

	m.mu.RLock()
	for k, seen := range tx.reads {
		if m.version(k) != seen {
			m.mu.RUnlock()
			m.conflicts.Add(1)
			return ErrConflict
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	for k, data := range tx.writes {
		m.docs[k] = &record{data: data, version: m.version(k) + 1}
	}
	m.mu.Unlock()
	return nil
}

type memTx struct {
	store  *MemoryStore
	reads  map[Key]int64
	writes map[Key][]byte
}

// load returns the current body of key as seen by this transaction and
// records the observed version for commit-time validation.
func (t *memTx) load(key Key) ([]byte, bool) {
	if data, ok := t.writes[key]; ok {
		return data, true
	}
	t.store.mu.RLock()
	rec, ok := t.store.docs[key]
	var (
		data []byte
		ver  int64
	)
	if ok {
		data, ver = rec.data, rec.version
	}
	t.store.mu.RUnlock()

	if _, seen := t.reads[key]; !seen {
		t.reads[key] = ver
	}
	return data, ok
}

func (t *memTx) Get(ctx context.Context, key Key, v any) error {
	data, ok := t.load(key)
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (t *memTx) Create(ctx context.Context, key Key, v any) error {
	if _, ok := t.load(key); ok {
		return ErrAlreadyExists
	}
	return t.Set(ctx, key, v)
}

func (t *memTx) Set(ctx context.Context, key Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("docstore: encode %s: %w", key, err)
	}
	t.writes[key] = data
	return nil
}

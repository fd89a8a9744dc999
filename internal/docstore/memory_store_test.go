package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
	N        int    `json:"n"`
	Meta     struct {
		Website string `json:"website"`
	} `json:"meta"`
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	var c counter
	assert.ErrorIs(t, s.Get(context.Background(), K("counters", "x"), &c), ErrNotFound)
}

func TestMemoryStore_CommitAndRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.Create(ctx, K("counters", "a"), counter{N: 1}))
		var c counter
		require.NoError(t, tx.Get(ctx, K("counters", "a"), &c), "reads see own writes")
		assert.Equal(t, 1, c.N)
		return nil
	})
	require.NoError(t, err)

	var c counter
	require.NoError(t, s.Get(ctx, K("counters", "a"), &c))
	assert.Equal(t, 1, c.N)
}

func TestMemoryStore_CallbackErrorDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		_ = tx.Set(ctx, K("counters", "a"), counter{N: 1})
		_ = tx.Set(ctx, K("counters", "b"), counter{N: 2})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var c counter
	assert.ErrorIs(t, s.Get(ctx, K("counters", "a"), &c), ErrNotFound)
	assert.ErrorIs(t, s.Get(ctx, K("counters", "b"), &c), ErrNotFound)
}

func TestMemoryStore_CreateExisting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	create := func(ctx context.Context, tx Tx) error {
		return tx.Create(ctx, K("counters", "a"), counter{N: 1})
	}
	require.NoError(t, s.RunAtomic(ctx, create))
	assert.ErrorIs(t, s.RunAtomic(ctx, create), ErrAlreadyExists)
}

func TestMemoryStore_InjectedConflictRetries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.InjectConflicts(3)

	calls := 0
	err := s.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		calls++
		return tx.Set(ctx, K("counters", "a"), counter{N: calls})
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, int64(3), s.Conflicts())

	var c counter
	require.NoError(t, s.Get(ctx, K("counters", "a"), &c))
	assert.Equal(t, 4, c.N)
}

func TestMemoryStore_ConcurrentIncrementsAreSerializable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := K("counters", "hot")
	require.NoError(t, s.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(ctx, key, counter{})
	}))

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
				var c counter
				if err := tx.Get(ctx, key, &c); err != nil {
					return err
				}
				c.N++
				return tx.Set(ctx, key, c)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var c counter
	require.NoError(t, s.Get(ctx, key, &c))
	assert.Equal(t, workers, c.N)
}

func TestMemoryStore_ConcurrentCreateOnlyOneWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		exists  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
				return tx.Create(ctx, K("grants", "trial_opening_t1"), counter{N: 1})
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrAlreadyExists):
				exists++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 19, exists)
}

func TestMemoryStore_QueryFiltersNestedFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		a := counter{TenantID: "t1", Status: "processing", N: 1}
		a.Meta.Website = "https://a.example"
		b := counter{TenantID: "t1", Status: "completed", N: 2}
		c := counter{TenantID: "t2", Status: "processing", N: 3}
		for id, v := range map[string]counter{"a": a, "b": b, "c": c} {
			if err := tx.Set(ctx, K("leads", id), v); err != nil {
				return err
			}
		}
		return nil
	}))

	docs, err := s.Query(ctx, "leads", Where("tenant_id", "t1"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Key.ID)
	assert.Equal(t, "b", docs[1].Key.ID)

	docs, err = s.Query(ctx, "leads", Where("meta.website", "https://a.example"), Where("status", "processing"))
	require.NoError(t, err)
	require.Len(t, docs, 1)

	docs, err = s.Query(ctx, "leads", Where("n", "3"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	var got counter
	require.NoError(t, docs[0].Decode(&got))
	assert.Equal(t, "t2", got.TenantID)
}

package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockKeys_OverlappingSetsDoNotDeadlock(t *testing.T) {
	var m ShardedMutex
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := m.LockKeys("tenants/a", "ledger/b", "tenants/a")
			counter++
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := m.LockKeys("ledger/b", "tenants/a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestLock_SameKeySerializes(t *testing.T) {
	var m ShardedMutex
	var wg sync.WaitGroup
	n := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("k")
			n++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, n)
}

package syncutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_LockUnlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "chk_1")
	require.NoError(t, err)
	unlock()

	// reacquire after unlock
	unlock, err = m.Lock(context.Background(), "chk_1")
	require.NoError(t, err)
	unlock()
}

func TestKeyedMutex_CancelledWait(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "chk_2")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, "chk_2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := NewKeyedMutex()

	unlock1, err := m.Lock(context.Background(), "chk_a")
	require.NoError(t, err)
	defer unlock1()

	// A different key in a different shard is not blocked. Keys can collide
	// on a shard, so probe a few until one acquires immediately.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	acquired := false
	for _, key := range []string{"chk_b", "chk_c", "chk_d", "chk_e"} {
		if m.shardIdx(key) == m.shardIdx("chk_a") {
			continue
		}
		unlock, err := m.Lock(ctx, key)
		require.NoError(t, err)
		unlock()
		acquired = true
		break
	}
	assert.True(t, acquired)
}

func TestKeyedMutex_Serializes(t *testing.T) {
	m := NewKeyedMutex()
	var counter int

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			unlock, err := m.Lock(context.Background(), "chk_shared")
			if err != nil {
				t.Error(err)
				done <- struct{}{}
				return
			}
			counter++
			unlock()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, 10, counter)
}

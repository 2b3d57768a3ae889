package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		t.Run(fmt.Sprint(capacity), func(t *testing.T) {
			c, err := New[string, int](capacity)
			assert.ErrorIs(t, err, ErrInvalidCapacity)
			assert.Nil(t, c)
		})
	}
}

func TestLRU_Eviction(t *testing.T) {
	c, err := New[string, int](2)
	require.NoError(t, err)

	assert.False(t, c.Put("A", 1))
	assert.False(t, c.Put("B", 2))
	assert.True(t, c.Put("C", 3))

	_, ok := c.Get("A")
	assert.False(t, ok)

	v, ok := c.Get("B")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = c.Get("C")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, Stats{Size: 2, Capacity: 2, Hits: 2, Misses: 1, Evictions: 1}, c.Stats())
}

func TestLRU_GetRefreshesRecency(t *testing.T) {
	c, err := New[string, int](2)
	require.NoError(t, err)

	c.Put("A", 1)
	c.Put("B", 2)
	_, _ = c.Get("A")
	c.Put("C", 3)

	_, ok := c.Peek("B")
	assert.False(t, ok, "B was least recently used")
	_, ok = c.Peek("A")
	assert.True(t, ok)
}

func TestLRU_PutExistingKey(t *testing.T) {
	c, err := New[int, string](2)
	require.NoError(t, err)

	c.Put(1, "one")
	c.Put(2, "two")
	assert.False(t, c.Put(1, "uno"))
	c.Put(3, "three")

	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "uno", v)
	_, ok = c.Get(2)
	assert.False(t, ok)
}

func TestLRU_RemoveAndClear(t *testing.T) {
	c, err := New[int, int](4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		c.Put(i, i*i)
	}
	assert.True(t, c.Remove(2))
	assert.False(t, c.Remove(2))
	assert.Equal(t, 3, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, Stats{Capacity: 4}, c.Stats())

	c.Put(7, 49)
	v, ok := c.Get(7)
	assert.True(t, ok)
	assert.Equal(t, 49, v)
}

func TestLRU_Concurrency(t *testing.T) {
	c, err := New[int, int](64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				k := (w*1000 + i) % 128
				c.Put(k, i)
				c.Get(k)
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
}

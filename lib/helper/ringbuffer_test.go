package helper

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBuffer_AddAndGet(t *testing.T) {
	rb := NewRingBuffer[int](5)
	rb.Add(1)
	rb.Add(2)
	rb.Add(3)
	assert.Equal(t, []int{1, 2, 3}, rb.GetAllFIFO())

	rb.Add(4)
	rb.Add(5)
	rb.Add(6)
	assert.Equal(t, []int{2, 3, 4, 5, 6}, rb.GetAllFIFO())

	rb.Add(7)
	rb.Add(8)
	assert.Equal(t, []int{4, 5, 6, 7, 8}, rb.GetAllFIFO())
	assert.Equal(t, []int{8, 7, 6, 5, 4}, rb.GetAllLIFO())
	assert.Equal(t, 5, rb.Len())
	assert.Equal(t, 5, rb.Cap())
}

func TestRingBuffer_Empty(t *testing.T) {
	rb := NewRingBuffer[string](3)
	assert.Empty(t, rb.GetAllFIFO())
	assert.Empty(t, rb.GetAllLIFO())
	assert.Equal(t, 0, rb.Len())
}

func TestRingBuffer_MinimumSize(t *testing.T) {
	rb := NewRingBuffer[int](0)
	rb.Add(1)
	rb.Add(2)
	assert.Equal(t, []int{2}, rb.GetAllFIFO())
}

func TestRingBuffer_AddNonDuplicate(t *testing.T) {
	rb := NewRingBuffer[[]byte](4)

	assert.True(t, rb.AddNonDuplicate([]byte("GET"), bytes.Equal))
	assert.False(t, rb.AddNonDuplicate([]byte("GET"), bytes.Equal))
	assert.True(t, rb.AddNonDuplicate([]byte("POST"), bytes.Equal))
	assert.True(t, rb.AddNonDuplicate([]byte("GET"), bytes.Equal), "only the last element is compared")

	assert.Equal(t, 3, rb.Len())
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer[int](3)
	rb.Add(1)
	rb.Add(2)
	rb.Clear()
	assert.Equal(t, 0, rb.Len())

	rb.Add(9)
	assert.Equal(t, []int{9}, rb.GetAllFIFO())
}

func TestRingBuffer_Concurrency(t *testing.T) {
	rb := NewRingBuffer[int](100)
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rb.Add(base + i)
				_ = rb.GetAllFIFO()
			}
		}(w * 100)
	}
	wg.Wait()
	assert.Equal(t, 100, rb.Len())
}

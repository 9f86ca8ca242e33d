package queue

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueRunsInOrderWithOneWorker(t *testing.T) {
	q := NewQueue(10, 1)

	var (
		mu    sync.Mutex
		order []int
	)
	for i := range 5 {
		ok := q.Enqueue(Job{Run: func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
		assert.True(t, ok)
	}

	q.Start()
	q.Stop()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1, 1)

	assert.True(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.False(t, q.Enqueue(Job{Run: func() error { return nil }}))
	assert.Equal(t, 1, q.Len())

	q.Start()
	q.Stop()
}

func TestQueueOnFail(t *testing.T) {
	q := NewQueue(1, 1)
	boom := errors.New("boom")

	var got error
	q.Enqueue(Job{
		Run:    func() error { return boom },
		OnFail: func(err error) { got = err },
	})

	q.Start()
	q.Stop()

	assert.ErrorIs(t, got, boom)
}

func TestQueueStopTwice(t *testing.T) {
	q := NewQueue(1, 2)
	q.Start()
	q.Stop()
	assert.NotPanics(t, q.Stop)
}

package queue

import (
	"sync"
)

type Job struct {
	Run    func() error
	OnFail func(error)
}

// Queue is a bounded job queue drained by a fixed set of workers.
// With one worker, jobs run strictly in enqueue order.
type Queue struct {
	jobs    chan Job
	workers int
	wg      sync.WaitGroup
	once    sync.Once
}

func NewQueue(size, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, size),
		workers: workers,
	}
}

// Enqueue reports false when the queue is full.
func (q *Queue) Enqueue(job Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int {
	return len(q.jobs)
}

func (q *Queue) Start() {
	for range q.workers {
		q.wg.Add(1)
		go q.worker()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		if err := job.Run(); err != nil {
			if job.OnFail != nil {
				job.OnFail(err)
			}
		}
	}
}

// Stop stops accepting jobs and waits for queued ones to finish.
// Enqueue must not be called after Stop.
func (q *Queue) Stop() {
	q.once.Do(func() {
		close(q.jobs)
	})
	q.wg.Wait()
}

package scheduler

import (
	"context"
	"time"
)

type state int

const (
	stateQueued state = iota
	stateRunning
	stateBackoff
	stateSucceeded
	stateFailed
	stateCancelled
)

// job is the scheduler-owned form of a request. Only the loop goroutine
// mutates it after submission.
type job struct {
	seq      uint64
	url      string
	key      string
	priority Priority
	noStore  bool
	attempt  int
	state    state
	index    int

	// convert runs in the worker and returns the resolution to apply once
	// statistics are updated.
	convert func(payload []byte) (settle func(), err error)
	reject  func(err error)

	cancel context.CancelFunc
	timer  *time.Timer
}

// jobQueue implements container/heap ordered by priority then submission.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

package gpu

import (
	"context"
	"sync"

	"github.com/mstarongithub/w2gcore/common/errs"
	"github.com/mstarongithub/w2gcore/fence"
	"github.com/sirupsen/logrus"
)

// Job is a unit of GPU work. ctx ends when the queue gets closed
type Job func(ctx context.Context) error

type entry struct {
	job   Job
	waits []*fence.Fence
	done  *fence.Fence
}

// Queue executes jobs one after another, in submission order, on its own goroutine.
// A job starts once every fence it waits on has signaled, whatever the outcome
type Queue struct {
	lock    sync.Mutex
	pending []*entry
	wake    chan struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
	log    *logrus.Entry
}

func NewQueue(name string) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
		log:    logrus.WithFields(logrus.Fields{"component": "gpu-queue", "queue": name}),
	}
	go q.run()
	return q
}

// Submit queues job behind waits and returns the fence it will signal. Never blocks
func (q *Queue) Submit(job Job, waits ...*fence.Fence) *fence.Fence {
	done := fence.New()
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		done.Signal(errs.ErrCanceled)
		return done
	}
	q.pending = append(q.pending, &entry{job: job, waits: waits, done: done})
	q.lock.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return done
}

// Len returns how many jobs haven't started yet
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pending)
}

// Close cancels every job that hasn't started and waits for the running one to end.
// Canceled jobs signal ErrCanceled
func (q *Queue) Close() {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		<-q.exited
		return
	}
	q.closed = true
	canceled := q.pending
	q.pending = nil
	q.lock.Unlock()

	for _, e := range canceled {
		e.done.Signal(errs.ErrCanceled)
	}
	q.cancel()
	<-q.exited
	if len(canceled) > 0 {
		q.log.WithField("jobs", len(canceled)).Debugln("Canceled queued jobs")
	}
}

func (q *Queue) next() (*entry, bool) {
	for {
		q.lock.Lock()
		if q.closed {
			q.lock.Unlock()
			return nil, false
		}
		if len(q.pending) > 0 {
			e := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.lock.Unlock()
			return e, true
		}
		q.lock.Unlock()
		select {
		case <-q.wake:
		case <-q.ctx.Done():
		}
	}
}

func (q *Queue) run() {
	defer close(q.exited)
	for {
		e, ok := q.next()
		if !ok {
			return
		}
		for _, f := range e.waits {
			if f.Wait(q.ctx) != nil && q.ctx.Err() != nil {
				break
			}
		}
		if err := q.ctx.Err(); err != nil {
			e.done.Signal(errs.ErrCanceled)
			continue
		}
		e.done.Signal(e.job(q.ctx))
	}
}

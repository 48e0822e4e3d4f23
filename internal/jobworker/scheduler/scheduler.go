// Package scheduler implements the job scheduler and execution supervisor:
// the data structures and concurrency discipline that admit submissions,
// decide whether each runs now or waits, launch and track child processes,
// and release/promote slots on completion or cancellation.
package scheduler

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/tjper/jobctl/internal/errors"
	"github.com/tjper/jobctl/internal/jobworker/job"
	"github.com/tjper/jobctl/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "scheduler")

// ErrInvalidConcurrency indicates a requested concurrency level is less
// than 1.
var ErrInvalidConcurrency = errors.Wrap(fmt.Errorf("concurrency must be >= 1"))

// CancelResult reports the outcome of a Cancel call.
type CancelResult int

const (
	// NotFound indicates no Job with the requested id exists.
	NotFound CancelResult = iota
	// CancelledRunning indicates a running Job was signalled to stop.
	CancelledRunning
	// CancelledQueued indicates a queued Job was removed before it ran.
	CancelledQueued
)

// PollScope selects which Job set Poll reports on.
type PollScope int

const (
	// PollRunning reports the running set.
	PollRunning PollScope = iota
	// PollQueued reports the waiting queue, in FIFO order.
	PollQueued
)

// New creates a Scheduler instance with the given initial concurrency cap.
// Values less than 1 are clamped to 1 (matching spec.md §3's "1 unless
// otherwise specified" default).
func New(cap int) *Scheduler {
	if cap < 1 {
		logger.Warnf("requested initial concurrency %d invalid, defaulting to 1", cap)
		cap = 1
	}
	return &Scheduler{
		cap:        cap,
		nextID:     1,
		running:    make(map[int64]*job.Job),
		shutdownCh: make(chan struct{}),
	}
}

// Scheduler holds the process-wide scheduler state: the concurrency cap,
// the running set, the waiting queue, and the next-id counter. All fields
// are guarded by mutex; I/O (spawning processes, signalling, writing to
// clients) is always performed after the mutex has been released.
type Scheduler struct {
	mutex sync.Mutex

	cap     int
	nextID  int64
	running map[int64]*job.Job
	waiting []*job.Job

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Submit admits a new Job for command, writing its output and terminating
// acknowledgment to sink. If a concurrency slot is free the Job is admitted
// directly to the running set and handed off to the execution supervisor;
// otherwise it is appended to the waiting queue. Submit always succeeds;
// callers are responsible for validating that command is non-empty before
// calling Submit.
func (s *Scheduler) Submit(command string, sink io.Writer) *job.Job {
	s.mutex.Lock()
	id := s.nextID
	s.nextID++

	j := job.New(id, command, sink)

	var admitted bool
	if len(s.running) < s.cap {
		s.running[id] = j
		admitted = true
	} else {
		j.SetQueuePosition(len(s.waiting))
		s.waiting = append(s.waiting, j)
	}
	s.mutex.Unlock()

	if admitted {
		go s.supervise(j)
	}

	return j
}

// SetConcurrency updates the concurrency cap. Values less than 1 are
// rejected and never mutate state. Raising the cap promotes waiting jobs,
// head first, until the new cap is reached or the waiting queue is empty.
// Lowering the cap never preempts currently running jobs.
func (s *Scheduler) SetConcurrency(n int) error {
	if n < 1 {
		return ErrInvalidConcurrency
	}

	s.mutex.Lock()
	s.cap = n
	promoted := s.promoteLocked()
	s.mutex.Unlock()

	for _, j := range promoted {
		go s.supervise(j)
	}

	return nil
}

// Cancel terminates the Job identified by id. A running Job is sent a
// forceful termination signal and removed from the running set; the
// execution supervisor's child-exit path performs promotion once the
// signal takes effect. A queued Job is removed from the waiting queue
// immediately, the remaining entries' queue positions are reassigned to
// preserve the contiguous-range invariant, and the Job's blocked dispatcher
// is released so it can deliver the terminating acknowledgment.
func (s *Scheduler) Cancel(id int64) CancelResult {
	s.mutex.Lock()

	if j, ok := s.running[id]; ok {
		delete(s.running, id)
		s.mutex.Unlock()

		j.Stop()
		return CancelledRunning
	}

	for i, j := range s.waiting {
		if j.ID != id {
			continue
		}
		s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
		s.reindexWaitingLocked()
		s.mutex.Unlock()

		j.MarkCancelledQueued()
		return CancelledQueued
	}

	s.mutex.Unlock()
	return NotFound
}

// Poll composes a textual report of either the running set or the waiting
// queue, taking a consistent snapshot under the mutex without performing
// any I/O while holding it.
func (s *Scheduler) Poll(scope PollScope) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var b strings.Builder
	switch scope {
	case PollRunning:
		fmt.Fprintf(&b, "Number of running jobs: %d\n", len(s.running))
		for _, j := range s.running {
			fmt.Fprintf(&b, "Job %d: %s\n", j.ID, j.Command)
		}
	case PollQueued:
		fmt.Fprintf(&b, "Number of queued jobs: %d\n", len(s.waiting))
		for _, j := range s.waiting {
			fmt.Fprintf(&b, "Job %d: %s\n", j.ID, j.Command)
		}
	}
	return b.String()
}

// Shutdown sets the exiting flag, unblocking anything waiting on Done. It
// is idempotent: a second call has no additional effect.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// Done returns a channel that is closed once Shutdown has been called.
// The listener selects on this to stop accepting new connections and to
// unblock a pending Accept.
func (s *Scheduler) Done() <-chan struct{} {
	return s.shutdownCh
}

// RunningCount reports the current size of the running set. It exists for
// operational tooling (e.g. draining on shutdown) that needs a cheap
// snapshot without formatting a full Poll report.
func (s *Scheduler) RunningCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.running)
}

// promoteLocked moves Jobs from the head of the waiting queue into the
// running set while a slot is free and the queue is non-empty. The caller
// must hold mutex; the returned Jobs must be handed off to the execution
// supervisor after the caller releases the mutex.
func (s *Scheduler) promoteLocked() []*job.Job {
	var promoted []*job.Job
	for len(s.running) < s.cap && len(s.waiting) > 0 {
		j := s.waiting[0]
		s.waiting = s.waiting[1:]
		s.reindexWaitingLocked()

		s.running[j.ID] = j
		promoted = append(promoted, j)
	}
	return promoted
}

// reindexWaitingLocked reassigns queue positions so they form the
// contiguous range [0, len(waiting)). The caller must hold mutex.
func (s *Scheduler) reindexWaitingLocked() {
	for i, j := range s.waiting {
		j.SetQueuePosition(i)
	}
}

// supervise is the execution supervisor for a single Job admitted to the
// running set: it spawns the child process, waits for it to terminate (or
// fail to start), removes the Job from the running set, and triggers
// promotion of the next queued Job, if any.
func (s *Scheduler) supervise(j *job.Job) {
	if err := j.Start(); err != nil {
		logger.Errorf("start job; id: %d, error: %v", j.ID, err)
		fmt.Fprintf(j.Sink(), "error: failed to start job %d: %v\n", j.ID, err)

		s.removeAndPromote(j.ID)
		j.MarkCancelledQueued()
		return
	}

	j.Wait()

	s.removeAndPromote(j.ID)
}

// removeAndPromote removes id from the running set, if present, and hands
// off any newly-promoted Jobs to the execution supervisor. It is a no-op
// removal when Cancel has already removed the Job (e.g. a running Job that
// was stopped): promotion still runs so the freed slot, if any, is filled.
func (s *Scheduler) removeAndPromote(id int64) {
	s.mutex.Lock()
	delete(s.running, id)
	promoted := s.promoteLocked()
	s.mutex.Unlock()

	for _, p := range promoted {
		go s.supervise(p)
	}
}

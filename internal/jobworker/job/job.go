// Package job provides the Job record: the value object describing one
// submitted shell command together with the state needed to stream its
// output and, later, cancel it.
package job

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/tjper/jobctl/internal/fsnotify"
	"github.com/tjper/jobctl/internal/jobworker/output"
	"github.com/tjper/jobctl/internal/log"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "job")

// Status represents the possible states of a Job.
type Status string

const (
	// Queued indicates the Job is waiting for a concurrency slot.
	Queued Status = "queued"
	// Running indicates the Job's child process has been started.
	Running Status = "running"
	// Terminated indicates the Job's child process has exited, failed to
	// start, or was cancelled while still queued.
	Terminated Status = "terminated"
)

// noExit is the exit code recorded for a Job that never produced a normal
// exit status (killed by signal, or never started).
const noExit = -1

// New constructs a Job for command, addressed by id, whose output and
// terminating acknowledgment will be written to sink. The Job begins in the
// Queued state; the caller (the scheduler) transitions it via Start.
func New(id int64, command string, sink io.Writer) *Job {
	ctx, cancel := context.WithCancel(context.Background())

	j := &Job{
		ID:           id,
		Command:      command,
		sink:         sink,
		state:        Queued,
		exitCode:     noExit,
		ctx:          ctx,
		cancel:       cancel,
		runningCh:    make(chan struct{}),
		terminatedCh: make(chan struct{}),
		listeners:    make(map[string]chan struct{}),
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	// Setpgid places the shell and anything it forks into its own process
	// group, so Stop can signal the whole tree rather than just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 5 * time.Second
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	j.cmd = cmd

	return j
}

// Job represents a single submitted shell command and its related entities
// (output, status, queue position, client sink).
type Job struct {
	mutex sync.Mutex

	// ID is a unique identifier, monotonically increasing across the
	// process lifetime.
	ID int64
	// Command is the opaque command text executed via a system shell.
	Command string

	state         Status
	queuePosition int
	exitCode      int

	sink io.Writer

	// ctx/cancel coordinate cancellation of the Job's child process. Stop
	// cancels ctx; exec.Cmd.Cancel (above) turns that into a process-group
	// SIGKILL once the child has started.
	ctx    context.Context
	cancel context.CancelFunc

	cmd     *exec.Cmd
	outFile *os.File

	// watcher observes the output file for writes so StreamOutput can block
	// at EOF instead of polling.
	watcher   *fsnotify.Watcher
	listeners map[string]chan struct{}

	runningCh      chan struct{}
	runningOnce    sync.Once
	terminatedCh   chan struct{}
	terminatedOnce sync.Once
}

// State retrieves the Job's current status.
func (j *Job) State() Status {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.state
}

// ExitCode retrieves the Job's exit code. It is only meaningful once State
// returns Terminated and the Job actually ran to completion.
func (j *Job) ExitCode() int {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.exitCode
}

// QueuePosition retrieves the Job's position in the waiting queue. It is
// only meaningful while State returns Queued.
func (j *Job) QueuePosition() int {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.queuePosition
}

// SetQueuePosition updates the Job's waiting-queue position. Called by the
// scheduler under the scheduler mutex whenever the waiting queue's
// contiguous-range invariant must be re-established.
func (j *Job) SetQueuePosition(pos int) {
	j.mutex.Lock()
	j.queuePosition = pos
	j.mutex.Unlock()
}

// Sink returns the byte sink bound to the Job's submitting client.
func (j *Job) Sink() io.Writer {
	return j.sink
}

// Running returns a channel that is closed once the Job's child process has
// been started.
func (j *Job) Running() <-chan struct{} {
	return j.runningCh
}

// Terminated returns a channel that is closed once the Job reaches the
// Terminated state, however it got there (normal exit, spawn failure,
// cancellation while running, or cancellation while queued).
func (j *Job) Terminated() <-chan struct{} {
	return j.terminatedCh
}

// Start spawns the Job's child process. On success the Job transitions to
// Running and its output watcher is active. On failure no process was
// started, so the caller must terminate the Job itself; no exit event will
// ever fire.
func (j *Job) Start() error {
	if err := output.EnsureRoot(); err != nil {
		return errors.Wrap(err, "ensure output root")
	}

	outFile, err := os.OpenFile(output.File(j.ID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, output.FileMode)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	j.cmd.Stdout = outFile
	j.cmd.Stderr = outFile
	j.outFile = outFile

	if err := j.setupOutputWatcher(); err != nil {
		outFile.Close()
		return errors.Wrap(err, "setup output watcher")
	}

	if err := j.cmd.Start(); err != nil {
		j.closeOutputWatcher()
		outFile.Close()
		return errors.Wrap(err, "start child process")
	}

	j.setState(Running)
	j.markRunning()
	logger.Infof("job running; id: %d, pid: %d", j.ID, j.cmd.Process.Pid)

	return nil
}

// Wait blocks until the Job's child process exits, records its exit code,
// and releases the Job's resources. Wait must only be called after a
// successful Start.
func (j *Job) Wait() {
	err := j.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		j.setExitCode(0)
	case errors.As(err, &exitErr):
		j.setExitCode(exitErr.ExitCode())
	default:
		logger.Errorf("wait for job child; id: %d, error: %v", j.ID, err)
		j.setExitCode(noExit)
	}

	logger.Infof("job exited; id: %d, exit code: %d", j.ID, j.ExitCode())

	j.cleanup()
}

// Stop requests termination of the Job. If the Job's child process has been
// started, Stop delivers SIGKILL to its process group; Wait will still run
// and drive normal teardown. If the Job has not started (still Queued), the
// caller must also call MarkCancelledQueued to complete the transition to
// Terminated, since no exit event will ever fire.
func (j *Job) Stop() {
	j.cancel()
}

// MarkCancelledQueued transitions a still-Queued Job directly to Terminated.
// It is used when Cancel removes a Job from the waiting queue: no child
// process was ever started, so there is no exit event to drive the
// transition.
func (j *Job) MarkCancelledQueued() {
	j.cancel()
	j.markTerminated()
}

// cleanup releases all resources tied to the Job's child process and
// transitions the Job to Terminated. cleanup is called once, by Wait, after
// the child has exited.
func (j *Job) cleanup() {
	if err := j.closeOutputWatcher(); err != nil {
		logger.Errorf("close output watcher; id: %d, error: %v", j.ID, err)
	}
	if j.outFile != nil {
		if err := j.outFile.Close(); err != nil {
			logger.Errorf("close output file; id: %d, error: %v", j.ID, err)
		}
	}
	j.markTerminated()
}

// StreamOutput streams the Job's captured output to dst in chunks of size
// chunkSize, blocking at EOF while the Job is Running, and returning once
// the Job is Terminated and the end of the output has been reached, or ctx
// is cancelled.
func (j *Job) StreamOutput(ctx context.Context, dst io.Writer, chunkSize int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fd, err := os.Open(output.File(j.ID))
	if err != nil {
		return errors.Wrap(err, "open job output")
	}
	defer fd.Close()

	go func() {
		<-ctx.Done()
		fd.Close()
	}()

	b := make([]byte, chunkSize)
	for {
		n, err := fd.Read(b)
		if n > 0 {
			if _, werr := dst.Write(b[:n]); werr != nil {
				logger.Warnf("write job output to client; id: %d, error: %v", j.ID, werr)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) && j.State() == Running {
			if werr := j.waitForOutput(ctx); werr != nil {
				return werr
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read job output")
		}
	}
}

// setupOutputWatcher creates the filesystem watcher that backs
// waitForOutput.
func (j *Job) setupOutputWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	if _, err := watcher.AddWatch(output.File(j.ID)); err != nil {
		watcher.Close()
		return errors.Wrap(err, "add watch")
	}

	j.watcher = watcher
	go j.readWatcherEvents()

	return nil
}

// closeOutputWatcher tears down the Job's output watcher, if any.
func (j *Job) closeOutputWatcher() error {
	if j.watcher == nil {
		return nil
	}
	if err := j.watcher.RemoveWatch(output.File(j.ID)); err != nil {
		logger.Warnf("remove watch; id: %d, error: %v", j.ID, err)
	}
	return j.watcher.Close()
}

// readWatcherEvents fans out output-file activity to whatever goroutines are
// currently blocked in waitForOutput.
func (j *Job) readWatcherEvents() {
	for range j.watcher.Events {
		j.mutex.Lock()
		for _, listener := range j.listeners {
			select {
			case listener <- struct{}{}:
			default:
			}
		}
		j.mutex.Unlock()
	}
}

// waitForOutput blocks until the output watcher reports activity, the Job
// reaches Terminated (so a stalled StreamOutput caller wakes up even if no
// further output arrives), or ctx is cancelled.
func (j *Job) waitForOutput(ctx context.Context) error {
	key := uuid.New().String()
	listen := make(chan struct{}, 1)

	j.mutex.Lock()
	j.listeners[key] = listen
	j.mutex.Unlock()
	defer func() {
		j.mutex.Lock()
		delete(j.listeners, key)
		j.mutex.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.terminatedCh:
		return nil
	case <-listen:
		return nil
	}
}

func (j *Job) setState(s Status) {
	j.mutex.Lock()
	j.state = s
	j.mutex.Unlock()
}

func (j *Job) setExitCode(code int) {
	j.mutex.Lock()
	j.exitCode = code
	j.mutex.Unlock()
}

func (j *Job) markRunning() {
	j.runningOnce.Do(func() { close(j.runningCh) })
}

func (j *Job) markTerminated() {
	j.setState(Terminated)
	j.terminatedOnce.Do(func() { close(j.terminatedCh) })
}

package wire

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tjper/jobctl/internal/jobworker/job"
	"github.com/tjper/jobctl/internal/jobworker/scheduler"
	"github.com/tjper/jobctl/internal/log"
	"github.com/tjper/jobctl/internal/validator"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "wire")

// outputChunkSize bounds a single StreamOutput read/write.
const outputChunkSize = 32 * 1024

// NewDispatcher creates a Dispatcher instance bound to scheduler s. frames
// are bounded to bufferSize bytes, matching the configured maximum request
// size from the jobctl CLI surface.
func NewDispatcher(s *scheduler.Scheduler, bufferSize int) *Dispatcher {
	return &Dispatcher{scheduler: s, bufferSize: bufferSize}
}

// Dispatcher handles one connection's request: read a frame, invoke a
// scheduler operation, send the terminating acknowledgment, close.
type Dispatcher struct {
	scheduler  *scheduler.Scheduler
	bufferSize int
}

// Handle services a single accepted connection end to end. It never panics
// or propagates an error to the caller: connection-local failures are
// logged and the connection is closed, leaving scheduler state untouched.
func (d *Dispatcher) Handle(conn net.Conn) {
	defer conn.Close()

	connID := uuid.New()

	frame, err := d.readFrame(conn)
	if err != nil {
		logger.Warnf("connection %s; read frame; error: %v", connID, err)
		return
	}

	verb, arg := splitFrame(frame)
	logger.Infof("connection %s; verb: %s", connID, verb)

	switch verb {
	case VerbIssueJob:
		d.issueJob(conn, arg)
	case VerbSetConcurrency:
		d.setConcurrency(conn, arg)
	case VerbStop:
		d.stop(conn, arg)
	case VerbPoll:
		d.poll(conn, arg)
	case VerbExit:
		d.scheduler.Shutdown()
	default:
		fmt.Fprintf(conn, "error: unknown verb %q\n", verb)
	}

	d.acknowledge(connID, conn)
}

// readFrame reads a single request frame, bounded to the Dispatcher's
// configured buffer size, mirroring the single bounded read of the
// reference implementation this protocol was distilled from.
func (d *Dispatcher) readFrame(conn net.Conn) (string, error) {
	buf := make([]byte, d.bufferSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return "", err
	}
	return strings.TrimRight(string(buf[:n]), "\x00\r\n"), nil
}

// splitFrame extracts the leading whitespace-delimited verb and the
// (possibly empty) remainder of the frame.
func splitFrame(frame string) (verb, arg string) {
	const space = " \t\r\n\v\f"
	frame = strings.TrimLeft(frame, space)
	i := strings.IndexAny(frame, space)
	if i < 0 {
		return frame, ""
	}
	return frame[:i], frame[i+1:]
}

// issueJob admits command to the scheduler and, for the full duration of
// the job, streams its output to conn. It blocks the connection exactly as
// long as the job is queued or running.
func (d *Dispatcher) issueJob(conn net.Conn, command string) {
	valid := validator.New()
	valid.Assert(strings.TrimSpace(command) != "", "command empty")
	if err := valid.Err(); err != nil {
		fmt.Fprintf(conn, "error: %s\n", err)
		return
	}

	j := d.scheduler.Submit(command, conn)

	// Running is checked first, non-blocking: a job admitted straight to
	// the running set can have both Running and Terminated already closed
	// by the time this goroutine gets scheduled (a fast command finishing
	// before the select below runs), and select's tie-break among
	// simultaneously ready cases is pseudo-random, not preference order.
	// Without this check that race can silently skip StreamOutput.
	select {
	case <-j.Running():
		d.streamAndWait(conn, j)
		return
	default:
	}

	select {
	case <-j.Running():
		d.streamAndWait(conn, j)
	case <-j.Terminated():
		// Never ran (cancelled while queued, or failed to start): nothing
		// to stream.
	}
}

// streamAndWait streams a running Job's output to conn until the Job
// terminates or the stream itself errors out.
func (d *Dispatcher) streamAndWait(conn net.Conn, j *job.Job) {
	if err := j.StreamOutput(context.Background(), conn, outputChunkSize); err != nil {
		logger.Warnf("stream job output; id: %d, error: %v", j.ID, err)
	}
}

// setConcurrency parses and applies a new concurrency cap.
func (d *Dispatcher) setConcurrency(conn net.Conn, arg string) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		fmt.Fprintf(conn, "error: invalid concurrency value %q\n", arg)
		return
	}

	if err := d.scheduler.SetConcurrency(n); err != nil {
		fmt.Fprintf(conn, "error: %s\n", err)
		return
	}

	fmt.Fprintf(conn, "concurrency set to %d\n", n)
}

// stop parses a job id and cancels the matching Job, if any.
func (d *Dispatcher) stop(conn net.Conn, arg string) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		fmt.Fprintf(conn, "error: invalid job id %q\n", arg)
		return
	}

	switch d.scheduler.Cancel(id) {
	case scheduler.CancelledRunning:
		fmt.Fprintf(conn, "job %d stopped\n", id)
	case scheduler.CancelledQueued:
		fmt.Fprintf(conn, "job %d removed from queue\n", id)
	default:
		fmt.Fprintf(conn, "error: job %d not found\n", id)
	}
}

// poll renders a report of the running set or the waiting queue.
func (d *Dispatcher) poll(conn net.Conn, arg string) {
	var scope scheduler.PollScope
	switch strings.TrimSpace(arg) {
	case "running":
		scope = scheduler.PollRunning
	case "queued":
		scope = scheduler.PollQueued
	default:
		fmt.Fprintf(conn, "error: invalid poll scope %q, want \"running\" or \"queued\"\n", arg)
		return
	}

	fmt.Fprint(conn, d.scheduler.Poll(scope))
}

// acknowledge writes the terminating Done token. A write failure is logged,
// not propagated: a dead client sink must never abort the server.
func (d *Dispatcher) acknowledge(connID uuid.UUID, conn net.Conn) {
	if _, err := io.WriteString(conn, Done); err != nil {
		logger.Warnf("connection %s; write acknowledgment; error: %v", connID, err)
	}
}

package cli

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/tjper/jobctl/internal/jobworker/scheduler"
	"github.com/tjper/jobctl/internal/jobworker/wire"
)

// drainPollInterval bounds how promptly runServe notices that the running
// set has emptied out during shutdown drain.
const drainPollInterval = 20 * time.Millisecond

// serveConfig holds the parsed CLI surface described in the jobctl usage
// text: the listening port, the maximum request frame size, and the
// dispatcher concurrency cap.
type serveConfig struct {
	port           int
	bufferSize     int
	threadPoolSize int
}

// runServe builds the scheduler and dispatcher, binds the listening socket,
// and accepts connections until the scheduler is shut down via the `exit`
// verb. threadPoolSize bounds the number of dispatcher goroutines active at
// once; it is independent of the scheduler's own job concurrency cap, which
// always starts at defaultConcurrency regardless of threadPoolSize and is
// only changed later via `setConcurrency`.
func runServe(ctx context.Context, cfg serveConfig) int {
	s := scheduler.New(defaultConcurrency)
	d := wire.NewDispatcher(s, cfg.bufferSize)

	addr := fmt.Sprintf(":%d", cfg.port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Errorf("listen on %s; error: %v", addr, errors.Wrap(err, "listen"))
		return ecListen
	}

	go func() {
		<-s.Done()
		lis.Close()
	}()

	sem := make(chan struct{}, cfg.threadPoolSize)

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.Done():
				drain(s)
				return ecSuccess
			default:
				logger.Errorf("accept; error: %v", errors.Wrap(err, "accept"))
				return ecServe
			}
		}

		// The semaphore is acquired inside the spawned goroutine, not here,
		// so a blocking issueJob dispatcher holding the sole slot never
		// stalls Accept: the accept loop keeps draining its backlog and
		// handing off to goroutines that queue on sem themselves.
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			d.Handle(conn)
		}()
	}
}

// drain blocks until no jobs remain running, so in-flight child processes
// are not orphaned by process exit. There is no timeout, matching the
// absence of one in the jobctl wire protocol's own semantics.
func drain(s *scheduler.Scheduler) {
	for s.RunningCount() > 0 {
		time.Sleep(drainPollInterval)
	}
}

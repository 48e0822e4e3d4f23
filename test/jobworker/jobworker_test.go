package jobworker

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tjper/jobctl/internal/jobworker/scheduler"
	"github.com/tjper/jobctl/internal/jobworker/wire"
)

func TestIssueJob(t *testing.T) {
	type expected struct {
		contains string
	}
	tests := map[string]struct {
		command string
		exp     expected
	}{
		"echo": {
			command: "echo hello",
			exp:     expected{contains: "hello"},
		},
		"multiline": {
			command: "printf 'one\\ntwo\\n'",
			exp:     expected{contains: "one\ntwo"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			suite := setup(t, 1)
			defer suite.close(t)

			resp := suite.request(t, fmt.Sprintf("issueJob %s", test.command))
			if !strings.Contains(resp, test.exp.contains) {
				t.Fatalf("unexpected response; actual: %q, expected to contain: %q", resp, test.exp.contains)
			}
			if !strings.HasSuffix(resp, wire.Done) {
				t.Fatalf("expected response to terminate with %q, got %q", wire.Done, resp)
			}
		})
	}
}

func TestPollQueuedAndRunning(t *testing.T) {
	suite := setup(t, 1)
	defer suite.close(t)

	go suite.fireAndForget("issueJob sleep 0.3")
	time.Sleep(50 * time.Millisecond)

	go suite.fireAndForget("issueJob echo second")
	time.Sleep(50 * time.Millisecond)

	resp := suite.request(t, "poll running")
	if !strings.Contains(resp, "Number of running jobs: 1") {
		t.Fatalf("unexpected running report: %q", resp)
	}

	resp = suite.request(t, "poll queued")
	if !strings.Contains(resp, "Number of queued jobs: 1") {
		t.Fatalf("unexpected queued report: %q", resp)
	}
}

func TestStopRunningJob(t *testing.T) {
	suite := setup(t, 1)
	defer suite.close(t)

	done := make(chan string, 1)
	go func() { done <- suite.fireAndForget("issueJob sleep 10") }()
	time.Sleep(50 * time.Millisecond)

	resp := suite.request(t, "stop 1")
	if !strings.Contains(resp, "stopped") {
		t.Fatalf("unexpected stop response: %q", resp)
	}

	select {
	case issueResp := <-done:
		if !strings.HasSuffix(issueResp, wire.Done) {
			t.Fatalf("expected stopped job's connection to still receive %q, got %q", wire.Done, issueResp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected issueJob connection to unblock after stop")
	}
}

func TestStopUnknownJob(t *testing.T) {
	suite := setup(t, 1)
	defer suite.close(t)

	resp := suite.request(t, "stop 9999")
	if !strings.Contains(resp, "not found") {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestSetConcurrency(t *testing.T) {
	suite := setup(t, 1)
	defer suite.close(t)

	resp := suite.request(t, "setConcurrency 0")
	if !strings.Contains(resp, "error") {
		t.Fatalf("expected error response for invalid concurrency, got %q", resp)
	}

	resp = suite.request(t, "setConcurrency 3")
	if !strings.Contains(resp, "concurrency set to 3") {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestExitStopsAcceptingConnections(t *testing.T) {
	suite := setup(t, 1)
	defer suite.close(t)

	suite.request(t, "exit")

	time.Sleep(50 * time.Millisecond)

	if _, err := net.DialTimeout("tcp", suite.addr, time.Second); err == nil {
		t.Fatal("expected listener to stop accepting connections after exit")
	}
}

func setup(t *testing.T, concurrency int) *suite {
	t.Helper()

	s := scheduler.New(concurrency)
	d := wire.NewDispatcher(s, 4096)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	go func() {
		<-s.Done()
		lis.Close()
	}()

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go d.Handle(conn)
		}
	}()

	return &suite{lis: lis, addr: lis.Addr().String()}
}

type suite struct {
	lis  net.Listener
	addr string
}

// request dials a fresh connection, as the wire protocol is one request per
// connection, writes frame, and reads the response stream until the Done
// acknowledgment token is observed.
func (s *suite) request(t *testing.T, frame string) string {
	t.Helper()

	resp, err := s.dial(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return resp
}

// fireAndForget issues frame on a fresh connection without asserting on the
// outcome. It is used from background goroutines driving a concurrently
// blocked job, where failing the test outside its own goroutine is unsafe.
func (s *suite) fireAndForget(frame string) string {
	resp, _ := s.dial(frame)
	return resp
}

func (s *suite) dial(frame string) (string, error) {
	conn, err := net.Dial("tcp", s.addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := fmt.Fprint(conn, frame); err != nil {
		return "", err
	}

	var b strings.Builder
	r := bufio.NewReader(conn)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.Write(buf[:n])
		}
		if strings.Contains(b.String(), wire.Done) {
			break
		}
		if err != nil {
			break
		}
	}
	return b.String(), nil
}

func (s *suite) close(t *testing.T) {
	t.Helper()
	if err := s.lis.Close(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		t.Fatalf("unexpected error: %v", err)
	}
}

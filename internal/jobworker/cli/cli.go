// Package cli defines the jobctl CLI.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tjper/jobctl/internal/log"
)

var logger = log.New(os.Stdout, "cli")

const (
	ecSuccess = iota
	// ecUsage indicates the arguments were missing or malformed.
	ecUsage
	// ecListen indicates the server was unable to bind its listening socket.
	ecListen
	// ecServe indicates the accept loop exited with an error other than a
	// requested shutdown.
	ecServe
)

// defaultThreadPoolSize is the initial dispatcher concurrency cap applied
// when the operator omits the argument.
const defaultThreadPoolSize = 1

// defaultConcurrency is the scheduler's job concurrency cap at startup. It
// is fixed, independent of threadPoolSize, and only ever changed later via
// the `setConcurrency` verb.
const defaultConcurrency = 1

// Run is the entrypoint of the jobctl CLI.
func Run() int {
	args := os.Args[1:]
	if len(args) < 1 || len(args) > 3 {
		return help("Expected 1 to 3 arguments: <port> [bufferSize] [threadPoolSize].")
	}

	port, err := strconv.Atoi(args[0])
	if err != nil || port < 0 || port > 65535 {
		return help(fmt.Sprintf("Invalid port %q.", args[0]))
	}

	bufferSize := 4096
	if len(args) >= 2 {
		bufferSize, err = strconv.Atoi(args[1])
		if err != nil || bufferSize < 1 {
			return help(fmt.Sprintf("Invalid bufferSize %q.", args[1]))
		}
	}

	threadPoolSize := defaultThreadPoolSize
	if len(args) == 3 {
		threadPoolSize, err = strconv.Atoi(args[2])
		if err != nil || threadPoolSize < 1 {
			return help(fmt.Sprintf("Invalid threadPoolSize %q.", args[2]))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return runServe(ctx, serveConfig{
		port:           port,
		bufferSize:     bufferSize,
		threadPoolSize: threadPoolSize,
	})
}

// help outputs a general overview of the jobctl executable to the user.
// The text argument may be used to add a detailed help message.
func help(text string) int {
	var b strings.Builder
	if text != "" {
		fmt.Fprintf(&b, "\nNotice: %s\n", text)
	}

	b.WriteString(
		`
jobctl serves a TCP API that issues, streams, stops, and reports on
arbitrary shell commands.

Usage:
  jobctl <port> [bufferSize] [threadPoolSize]

Arguments:
  port            port to serve the jobctl API on
  bufferSize      maximum size, in bytes, of a single request frame (default 4096)
  threadPoolSize  maximum concurrent dispatchers; independent of job
                  concurrency, which always starts at 1 and is changed via
                  setConcurrency (default 1)
`)
	fmt.Fprint(os.Stdout, b.String())
	return ecUsage
}

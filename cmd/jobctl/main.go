// Command jobctl serves a TCP API for issuing, streaming, stopping, and
// reporting on arbitrary shell commands.
package main

import (
	"os"

	"github.com/tjper/jobctl/internal/jobworker/cli"
)

func main() {
	os.Exit(cli.Run())
}

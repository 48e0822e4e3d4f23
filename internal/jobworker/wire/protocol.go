// Package wire implements the command dispatcher: the per-connection
// handler that parses one framed request, invokes the matching scheduler
// operation, and sends the terminating acknowledgment.
package wire

// Done is the literal acknowledgment token that terminates every response
// stream.
const Done = "Done"

// Verbs recognized in a request frame's leading token.
const (
	VerbIssueJob       = "issueJob"
	VerbSetConcurrency = "setConcurrency"
	VerbStop           = "stop"
	VerbPoll           = "poll"
	VerbExit           = "exit"
)

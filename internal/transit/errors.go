package transit

import (
	"fmt"

	"headway.transitboard.org/internal/board"
)

// Error is the classified failure of one upstream request. It carries the
// failure taxonomy the board engine keys its merge and display decisions on.
type Error struct {
	Op     string
	URL    string
	Status int
	Reason board.FailureReason
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("transit %s: %v", e.Op, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("transit %s: upstream returned HTTP %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("transit %s: %s", e.Op, e.Reason)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FailureReason exposes the classification to callers that only know the
// board package's taxonomy.
func (e *Error) FailureReason() board.FailureReason {
	return e.Reason
}

func netErr(op, url string, err error) *Error {
	return &Error{Op: op, URL: url, Reason: board.ReasonNetwork, Err: err}
}

func httpErr(op, url string, status int) *Error {
	reason := board.ReasonHTTP
	if status == 404 {
		reason = board.ReasonNotFound
	}
	return &Error{Op: op, URL: url, Status: status, Reason: reason}
}

package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// BackendError is a failure the backend itself reported (HTTP 4xx/5xx or a
// garbled success body). It is terminal for that backend: retrying the same
// call there would just reproduce it, so the executor moves straight down
// the fallback chain.
type BackendError struct {
	Backend string
	Status  int
	Body    string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend %s returned status %d", e.Backend, e.Status)
	}
	return fmt.Sprintf("backend %s returned status %d: %s", e.Backend, e.Status, e.Body)
}

// BackendTimeout is a transport-level failure: the backend never produced a
// usable answer (deadline, connection refused, reset). Transient; eligible
// for the fallback chain up to the attempt cap.
type BackendTimeout struct {
	Backend string
	Elapsed time.Duration
	Err     error
}

func (e *BackendTimeout) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s gave no answer after %s: %v", e.Backend, e.Elapsed.Round(time.Millisecond), e.Err)
	}
	return fmt.Sprintf("backend %s gave no answer after %s", e.Backend, e.Elapsed.Round(time.Millisecond))
}

func (e *BackendTimeout) Unwrap() error { return e.Err }

// IsTerminal reports whether the error must not be retried on the backend
// that produced it.
func IsTerminal(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

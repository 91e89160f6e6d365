package futures

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned by Result when the future was cancelled.
	ErrCancelled = errors.New("futures: request cancelled")

	// ErrShutdown is returned by Submit after the executor was shut down.
	ErrShutdown = errors.New("futures: executor shut down")
)

// AdapterError wraps a remote or transport failure raised by an Adapter
// during submit, poll, fetch or cancel.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// RemoteError reports that the remote service itself marked the request
// as failed, as opposed to a transport problem reaching the service.
type RemoteError struct {
	Handle JobHandle
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote request %s failed", e.Handle)
	}
	return fmt.Sprintf("remote request %s failed: %s", e.Handle, e.Reason)
}

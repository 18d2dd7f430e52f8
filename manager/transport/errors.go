package transport

import (
	"fmt"
)

// TransportError covers network failures and non-2xx responses. Callers may
// retry these with bounded backoff; Body carries the raw response when one
// was received.
type TransportError struct {
	Command    string
	StatusCode int // 0 when the request never completed
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: command %q returned HTTP %d", e.Command, e.StatusCode)
	}
	return fmt.Sprintf("transport: command %q failed: %v", e.Command, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteRejectedError is a 2xx response whose body carries an embedded
// control-plane error code. Terminal for the command: never retried.
type RemoteRejectedError struct {
	Command   string
	ErrorCode int
	ErrorText string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("transport: control plane rejected %q: %d %s", e.Command, e.ErrorCode, e.ErrorText)
}

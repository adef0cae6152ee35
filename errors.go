package requery

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("requery: cache is closed")

var errEmptyKey = errors.New("requery: key has no segments")

// ErrorKind classifies remote failures for retry decisions.
type ErrorKind string

const (
	// KindNetwork covers transport failures where no response arrived. The
	// request may or may not have reached the server.
	KindNetwork ErrorKind = "network"
	// KindServer covers responses that arrived and carry a status code.
	KindServer ErrorKind = "server"
	// KindConflict marks a mutation rejected because server state moved
	// underneath it. Conflicts are never retried automatically.
	KindConflict ErrorKind = "conflict"
)

// RemoteError is the failure surface of Fetcher and MutationFunc
// implementations. Kind drives the default retry policy; Status is only
// meaningful for KindServer.
type RemoteError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	switch {
	case e.Kind == KindServer && e.Message != "":
		return fmt.Sprintf("requery: server error %d: %s", e.Status, e.Message)
	case e.Kind == KindServer:
		return fmt.Sprintf("requery: server error %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("requery: %s error: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("requery: %s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("requery: %s error", e.Kind)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NetworkError wraps a transport failure.
func NetworkError(err error) *RemoteError {
	return &RemoteError{Kind: KindNetwork, Err: err}
}

// ServerError builds a response failure carrying an HTTP-like status code.
func ServerError(status int, message string) *RemoteError {
	return &RemoteError{Kind: KindServer, Status: status, Message: message}
}

// ConflictError builds a mutation conflict failure.
func ConflictError(message string) *RemoteError {
	return &RemoteError{Kind: KindConflict, Message: message}
}

// AsRemoteError unwraps err to a RemoteError if one is in the chain.
func AsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// DefaultRetryable is the retry policy used when a Profile does not install
// its own: network failures retry, server failures retry only on 5xx, and
// everything else fails immediately.
func DefaultRetryable(err error) bool {
	re, ok := AsRemoteError(err)
	if !ok {
		return false
	}
	switch re.Kind {
	case KindNetwork:
		return true
	case KindServer:
		return re.Status >= 500
	}
	return false
}

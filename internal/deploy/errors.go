package deploy

import (
	"errors"
	"fmt"
)

// ErrResultFileNotFound means the remote driver never wrote its return code.
var ErrResultFileNotFound = errors.New("result file not found")

// ConfigurationError reports a script that cannot be used for the target.
type ConfigurationError struct {
	Path   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Path)
}

// PollTimeoutError is returned when a polled file never appeared.
type PollTimeoutError struct {
	FileName string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s after %d attempts", e.FileName, e.Attempts)
}

// ScriptRuntimeError carries the return code and stderr of a failed remote script.
type ScriptRuntimeError struct {
	ReturnCode string
	Stderr     string
}

func (e *ScriptRuntimeError) Error() string {
	return fmt.Sprintf("script exited with code %s: %s", e.ReturnCode, e.Stderr)
}

// TransportError is any other failure answered by the control plane.
type TransportError struct {
	StatusCode    int
	StatusMessage string
	Err           error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%d - %s", e.StatusCode, e.StatusMessage)
}

func (e *TransportError) Unwrap() error { return e.Err }

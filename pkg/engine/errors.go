package engine

import (
	"errors"
	"fmt"
)

// ErrorClass determines how far an error propagates within a pass.
type ErrorClass string

const (
	// ErrorClassLocal covers render, hash and local IO failures.
	// A local error aborts the whole pass.
	ErrorClassLocal ErrorClass = "local"

	// ErrorClassRemote covers transport failures and non-zero remote exits.
	// A remote error fails the node and blocks its dependents only.
	ErrorClassRemote ErrorClass = "remote"

	// ErrorClassConstruction covers graph-assembly bugs such as duplicate ids,
	// dangling dependencies and cycles.
	ErrorClassConstruction ErrorClass = "construction"
)

// Error codes.
const (
	ErrCodeTemplate           = "TEMPLATE_ERROR"
	ErrCodeRenderIO           = "RENDER_IO_ERROR"
	ErrCodeIO                 = "IO_ERROR"
	ErrCodeTransport          = "TRANSPORT_ERROR"
	ErrCodeRemoteCommand      = "REMOTE_COMMAND_FAILED"
	ErrCodeDuplicateNode      = "DUPLICATE_NODE"
	ErrCodeDanglingDependency = "DANGLING_DEPENDENCY"
	ErrCodeCycle              = "CYCLE_DETECTED"
	ErrCodeValidation         = "VALIDATION_ERROR"
)

// Sentinels for errors.Is. Matching compares Class and Code only.
var (
	ErrTemplate           = &EngineError{Class: ErrorClassLocal, Code: ErrCodeTemplate}
	ErrRenderIO           = &EngineError{Class: ErrorClassLocal, Code: ErrCodeRenderIO}
	ErrIO                 = &EngineError{Class: ErrorClassLocal, Code: ErrCodeIO}
	ErrTransport          = &EngineError{Class: ErrorClassRemote, Code: ErrCodeTransport}
	ErrRemoteCommand      = &EngineError{Class: ErrorClassRemote, Code: ErrCodeRemoteCommand}
	ErrDuplicateNode      = &EngineError{Class: ErrorClassConstruction, Code: ErrCodeDuplicateNode}
	ErrDanglingDependency = &EngineError{Class: ErrorClassConstruction, Code: ErrCodeDanglingDependency}
	ErrCycle              = &EngineError{Class: ErrorClassConstruction, Code: ErrCodeCycle}
	ErrValidation         = &EngineError{Class: ErrorClassConstruction, Code: ErrCodeValidation}
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the propagation class.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the node ID that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Node != "" && e.Operation != "":
		msg += fmt.Sprintf(" (node=%s, operation=%s)", e.Node, e.Operation)
	case e.Node != "":
		msg += fmt.Sprintf(" (node=%s)", e.Node)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewTemplateError reports a template that references an undefined parameter
// or fails to parse or execute.
func NewTemplateError(message string, err error) *EngineError {
	return newError(ErrorClassLocal, ErrCodeTemplate, message, err)
}

// NewRenderIOError reports a template that cannot be read.
func NewRenderIOError(message string, err error) *EngineError {
	return newError(ErrorClassLocal, ErrCodeRenderIO, message, err)
}

// NewIOError reports a local file that cannot be read or a local write that failed.
func NewIOError(message string, err error) *EngineError {
	return newError(ErrorClassLocal, ErrCodeIO, message, err)
}

// NewTransportError reports a lost connection or an authentication failure.
func NewTransportError(message string, err error) *EngineError {
	return newError(ErrorClassRemote, ErrCodeTransport, message, err)
}

// NewRemoteCommandError reports a remote script that exited non-zero.
func NewRemoteCommandError(exitCode int, stderr string) *EngineError {
	return newError(ErrorClassRemote, ErrCodeRemoteCommand,
		fmt.Sprintf("remote command exited with code %d", exitCode), nil).
		WithDetail("exit_code", exitCode).
		WithDetail("stderr", truncate(stderr, 2048))
}

// NewConstructionError reports a graph-assembly bug.
func NewConstructionError(code, message string) *EngineError {
	return newError(ErrorClassConstruction, code, message, nil)
}

// WithNode adds node context to an error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.Node = nodeID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsLocal returns true if the error aborts the whole pass.
func IsLocal(err error) bool {
	return classOf(err) == ErrorClassLocal
}

// IsRemote returns true if the error is confined to a node's subtree.
func IsRemote(err error) bool {
	return classOf(err) == ErrorClassRemote
}

// IsConstruction returns true if the error is a graph-assembly bug.
func IsConstruction(err error) bool {
	return classOf(err) == ErrorClassConstruction
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

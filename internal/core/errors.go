package core

import (
	"fmt"
)

// Error codes for mesh operations
const (
	// State errors
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeSerialization = "SERIALIZATION"
	ErrCodePersistence   = "PERSISTENCE"

	// Transport errors
	ErrCodeTransportInit  = "TRANSPORT_INIT"
	ErrCodeDialFailed     = "DIAL_FAILED"
	ErrCodePublishFailed  = "PUBLISH_FAILED"
	ErrCodeInvalidAddress = "INVALID_ADDRESS"

	// Coordinator errors
	ErrCodeBackendMissing = "BACKEND_MISSING"
	ErrCodeHealthReport   = "HEALTH_REPORT_FAILED"

	// Lifecycle errors
	ErrCodeClosed = "CLOSED"
)

// Sentinels for errors.Is. Any MeshError with the same code matches.
var (
	ErrNotFound       = NewMeshError(ErrCodeNotFound, "not found")
	ErrSerialization  = NewMeshError(ErrCodeSerialization, "serialization failed")
	ErrPersistence    = NewMeshError(ErrCodePersistence, "persistence failed")
	ErrTransportInit  = NewMeshError(ErrCodeTransportInit, "transport init failed")
	ErrDial           = NewMeshError(ErrCodeDialFailed, "dial failed")
	ErrPublish        = NewMeshError(ErrCodePublishFailed, "publish failed")
	ErrInvalidAddr    = NewMeshError(ErrCodeInvalidAddress, "invalid address")
	ErrNoBackend      = NewMeshError(ErrCodeBackendMissing, "no gossip backend configured")
	ErrHealth         = NewMeshError(ErrCodeHealthReport, "health report failed")
	ErrClosedResource = NewMeshError(ErrCodeClosed, "closed")
)

// MeshError carries a machine-readable code plus optional context
type MeshError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *MeshError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *MeshError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a MeshError with the same code.
func (e *MeshError) Is(target error) bool {
	t, ok := target.(*MeshError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *MeshError) WithContext(key string, value interface{}) *MeshError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewMeshError creates a new mesh error
func NewMeshError(code, message string) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with mesh error context
func WrapError(code, message string, cause error) *MeshError {
	return &MeshError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors

func ErrEntityNotFound(entityID string) *MeshError {
	return NewMeshError(ErrCodeNotFound, "entity not found").
		WithContext("entity_id", entityID)
}

func ErrSerializationFailed(op string, cause error) *MeshError {
	return WrapError(ErrCodeSerialization, op+" failed", cause).
		WithContext("op", op)
}

func ErrPersistenceFailed(op string, cause error) *MeshError {
	return WrapError(ErrCodePersistence, op+" failed", cause).
		WithContext("op", op)
}

func ErrTransportInitFailed(message string, cause error) *MeshError {
	return WrapError(ErrCodeTransportInit, message, cause)
}

func ErrDialFailed(addr string, cause error) *MeshError {
	return WrapError(ErrCodeDialFailed, "dial failed", cause).
		WithContext("addr", addr)
}

func ErrPublishFailed(cause error) *MeshError {
	return WrapError(ErrCodePublishFailed, "publish failed", cause)
}

func ErrInvalidAddress(addr string, cause error) *MeshError {
	err := WrapError(ErrCodeInvalidAddress, "invalid address", cause)
	return err.WithContext("addr", addr)
}

func ErrBackendMissing() *MeshError {
	return NewMeshError(ErrCodeBackendMissing, "no gossip backend configured")
}

func ErrHealthReport(nodeID string, cause error) *MeshError {
	return WrapError(ErrCodeHealthReport, "health report failed", cause).
		WithContext("node_id", nodeID)
}

func ErrClosed(component string) *MeshError {
	return NewMeshError(ErrCodeClosed, component+" is closed").
		WithContext("component", component)
}

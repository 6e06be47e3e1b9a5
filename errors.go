package popbox

import (
	"errors"
	"fmt"
)

// Error kinds. Every categorized error matches exactly one of these with errors.Is.
var (
	// ErrNotConnected indicates an operation was invoked before Open.
	ErrNotConnected = errors.New("mail access not connected")

	// ErrProtocol indicates a remote call failed.
	ErrProtocol = errors.New("remote protocol error")

	// ErrUnsupported indicates a capability the remote protocol does not have.
	ErrUnsupported = errors.New("operation not supported")

	// ErrPersistence indicates the metadata store failed.
	ErrPersistence = errors.New("metadata persistence error")

	// ErrReadOnlyFolder indicates write access was requested on a read-only folder.
	ErrReadOnlyFolder = errors.New("folder is read-only")
)

// Lookup and validation errors.
var (
	ErrFolderNotFound    = errors.New("folder not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrFolderClosed      = errors.New("folder not open")
	ErrInvalidColorLabel = errors.New("invalid color label")
	ErrInvalidID         = errors.New("invalid message identifier")
)

// Error is a categorized error carrying the failed operation and its cause
type Error struct {
	Kind error  // One of the error kinds above
	Op   string // Operation that failed
	Err  error  // Underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func protocolError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrProtocol {
		return err
	}
	return &Error{Kind: ErrProtocol, Op: op, Err: err}
}

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrPersistence {
		return err
	}
	return &Error{Kind: ErrPersistence, Op: op, Err: err}
}

func unsupported(op string) error {
	return &Error{Kind: ErrUnsupported, Op: op}
}

func notConnected(op string) error {
	return &Error{Kind: ErrNotConnected, Op: op}
}

// IsUnsupported reports whether err marks a missing remote capability.
// Callers use it to hide an action instead of retrying it.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

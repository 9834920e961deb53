// Package errs defines the error-kind taxonomy used across vkernel's
// subsystems (§7 of the specification) and the small negative-integer
// mapping the syscall boundary returns to user mode.
package errs

import "fmt"

// Kind identifies one of the error categories a driver, the filesystem,
// or the IPC service can report. Kind intentionally does not distinguish
// *which* component raised it; that context lives in the wrapping error's
// message.
type Kind int

const (
	_ Kind = iota
	IoError
	Timeout
	QueueFull
	NoSuchProcess
	NoSuchFile
	AlreadyExists
	NoSpace
	InvalidArgument
	InvalidState
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case Timeout:
		return "Timeout"
	case QueueFull:
		return "QueueFull"
	case NoSuchProcess:
		return "NoSuchProcess"
	case NoSuchFile:
		return "NoSuchFile"
	case AlreadyExists:
		return "AlreadyExists"
	case NoSpace:
		return "NoSpace"
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidState:
		return "InvalidState"
	default:
		return "Unknown"
	}
}

// Errno is the small negative integer a Kind maps to at the syscall
// boundary (§7 "Propagation policy"). x0 carries this value unchanged.
func (k Kind) Errno() int64 {
	switch k {
	case IoError:
		return -5 // EIO
	case Timeout:
		return -110 // ETIMEDOUT
	case QueueFull:
		return -11 // EAGAIN
	case NoSuchProcess:
		return -3 // ESRCH
	case NoSuchFile:
		return -2 // ENOENT
	case AlreadyExists:
		return -17 // EEXIST
	case NoSpace:
		return -28 // ENOSPC
	case InvalidArgument:
		return -22 // EINVAL
	case InvalidState:
		return -1 // EPERM-ish: operation not valid in current state
	default:
		return -22
	}
}

// Error is a typed error carrying a Kind plus a short human-readable
// context string. Components return *Error rather than bare strings so
// callers (and the syscall dispatcher) can branch on Kind with errors.As.
type Error struct {
	Kind    Kind
	Context string
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

// New constructs an *Error for the given kind with a formatted context.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Context: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}

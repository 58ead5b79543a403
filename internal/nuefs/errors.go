// Package nuefs defines the error taxonomy shared by the mount manager,
// the control-plane server and the control-plane client (spec §7). Kernel
// filesystem callbacks never see these: they translate failures directly
// to syscall.Errno (see internal/overlay/errno.go), a different failure
// domain with different callers.
package nuefs

import "fmt"

// Kind enumerates the public error taxonomy of spec §7.
type Kind int

const (
	// KindInvalidRoot: canonicalization or opening the mount root failed.
	KindInvalidRoot Kind = iota
	// KindAlreadyMounted: the root is in use by another mount in this daemon.
	KindAlreadyMounted
	// KindUnknownMountID: a control op targeted a retired or never-allocated id.
	KindUnknownMountID
	// KindIO: any other operating-system failure.
	KindIO
	// KindDaemon: surface of an error the daemon returned to the client.
	KindDaemon
	// KindTransport: socket, framing, or deadline failure.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRoot:
		return "InvalidRoot"
	case KindAlreadyMounted:
		return "AlreadyMounted"
	case KindUnknownMountID:
		return "UnknownMountId"
	case KindIO:
		return "Io"
	case KindDaemon:
		return "Daemon"
	case KindTransport:
		return "Transport"
	default:
		return "Unknown"
	}
}

// Error is the concrete type behind every error this package's taxonomy
// produces. Detail carries the human-readable payload (a path, a mount id,
// a daemon message); Err, when set, is the wrapped underlying cause and is
// reachable via errors.Unwrap/errors.Is/errors.As.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, nuefs.InvalidRoot("", nil)) to match on Kind alone,
// ignoring Detail/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// InvalidRoot wraps a root canonicalization/open failure.
func InvalidRoot(detail string, err error) *Error {
	return &Error{Kind: KindInvalidRoot, Detail: detail, Err: err}
}

// AlreadyMounted reports that path is already the root of a live session.
func AlreadyMounted(path string) *Error {
	return &Error{Kind: KindAlreadyMounted, Detail: path}
}

// UnknownMountID reports a control op against an id with no live session.
func UnknownMountID(id uint64) *Error {
	return &Error{Kind: KindUnknownMountID, Detail: fmt.Sprintf("%d", id)}
}

// IO wraps any other host I/O failure encountered during a control op.
func IO(detail string, err error) *Error {
	return &Error{Kind: KindIO, Detail: detail, Err: err}
}

// Daemon wraps an error message returned by the daemon to the client.
func Daemon(message string) *Error {
	return &Error{Kind: KindDaemon, Detail: message}
}

// Transport wraps a socket, framing, or deadline failure on the client side.
func Transport(detail string, err error) *Error {
	return &Error{Kind: KindTransport, Detail: detail, Err: err}
}

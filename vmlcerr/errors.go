// Package vmlcerr defines the discriminated error set surfaced by every
// entry point in the vmlc module (spec §7 Error Handling Design).
//
// The teacher (jacobsa/fuse) represents its error domain as a handful of
// re-exported syscall.Errno constants, because the kernel already defines
// the error space it cares about. There is no equivalent kernel errno
// domain here, so the same idea is expressed as a closed Kind enum plus an
// Error struct that carries operation-specific context (reference numbers,
// byte counts) alongside the kind.
package vmlcerr

import "fmt"

// Kind discriminates the error categories from spec §7. It is intentionally
// flat rather than a hierarchy of wrapped sentinel values, mirroring the way
// the teacher's bazilfuse.Errno constants form one flat errno space.
type Kind int

const (
	_ Kind = iota

	// Connection errors.
	IsConnected
	IsDisconnected
	ConnectionError
	Timeout

	// Super-layer errors.
	ShortSuperFrame
	SuperFormatError
	SuperReferenceMismatch
	SuperCommandTimeout

	// Stack-layer errors.
	StackFormatError
	StackReferenceMismatch
	StackCommandTimeout
	StackExecRequestLost
	StackExecResponseLost
	NoVMEResponse
	VMEBusError
	StackSyntaxError
	StackMemoryExceeded
	StackCountExceeded

	// Parser errors.
	NotAStackFrame
	NotABlockFrame
	NotAStackContinuation
	StackIndexChanged
	StackIndexOutOfRange
	GroupIndexOutOfRange
	EmptyStackFrame
	NoStackFrameFound
	NoHeaderPresent
	UnexpectedEndOfBuffer
	ParseResultMax

	// ETH-specific errors.
	UDPDataWordCountExceedsPacketSize
	UDPPacketChannelOutOfRange
	ShortRead
	ShortWrite
	SocketReadTimeout
	SocketWriteTimeout
)

var kindNames = map[Kind]string{
	IsConnected:                        "IsConnected",
	IsDisconnected:                     "IsDisconnected",
	ConnectionError:                    "ConnectionError",
	Timeout:                            "Timeout",
	ShortSuperFrame:                    "ShortSuperFrame",
	SuperFormatError:                   "SuperFormatError",
	SuperReferenceMismatch:             "SuperReferenceMismatch",
	SuperCommandTimeout:                "SuperCommandTimeout",
	StackFormatError:                   "StackFormatError",
	StackReferenceMismatch:             "StackReferenceMismatch",
	StackCommandTimeout:                "StackCommandTimeout",
	StackExecRequestLost:               "StackExecRequestLost",
	StackExecResponseLost:              "StackExecResponseLost",
	NoVMEResponse:                      "NoVMEResponse",
	VMEBusError:                        "VMEBusError",
	StackSyntaxError:                   "StackSyntaxError",
	StackMemoryExceeded:                "StackMemoryExceeded",
	StackCountExceeded:                 "StackCountExceeded",
	NotAStackFrame:                     "NotAStackFrame",
	NotABlockFrame:                     "NotABlockFrame",
	NotAStackContinuation:              "NotAStackContinuation",
	StackIndexChanged:                  "StackIndexChanged",
	StackIndexOutOfRange:               "StackIndexOutOfRange",
	GroupIndexOutOfRange:               "GroupIndexOutOfRange",
	EmptyStackFrame:                    "EmptyStackFrame",
	NoStackFrameFound:                  "NoStackFrameFound",
	NoHeaderPresent:                    "NoHeaderPresent",
	UnexpectedEndOfBuffer:              "UnexpectedEndOfBuffer",
	ParseResultMax:                     "ParseResultMax",
	UDPDataWordCountExceedsPacketSize:  "UDPDataWordCountExceedsPacketSize",
	UDPPacketChannelOutOfRange:         "UDPPacketChannelOutOfRange",
	ShortRead:                          "ShortRead",
	ShortWrite:                         "ShortWrite",
	SocketReadTimeout:                  "SocketReadTimeout",
	SocketWriteTimeout:                 "SocketWriteTimeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the concrete error value returned across the module's API
// boundary. Cause, when non-nil, is a lower-level error (typically a
// transport I/O error) that Kind classifies.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with a formatted message.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around a lower-level cause.
func Wrap(k Kind, cause error) *Error {
	return &Error{Kind: k, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, unwrapping as
// necessary. It lets callers write `vmlcerr.Is(err, vmlcerr.Timeout)`.
func Is(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == k {
				return true
			}
			err = e.Cause
			continue
		}
		break
	}
	return false
}

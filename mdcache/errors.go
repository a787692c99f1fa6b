package mdcache

import (
	"github.com/pkg/errors"

	"github.com/mdcache/mdc/subfsal"
)

// Kind is a tagged error category the cache and its callers can branch
// on, replacing the reference implementation's "status (major, minor)"
// pair (spec §9) with an ordinary Go error that cannot be accidentally
// ignored.
type Kind int

const (
	// KindStale means the key no longer resolves at the SubFSAL, the
	// current export is being removed, or a parent was invalidated.
	KindStale Kind = iota
	// KindNoEnt means name not found under a fully-populated, trusted
	// directory.
	KindNoEnt
	// KindExist means a dirent insertion collided with an existing
	// name; some callers treat this as success (a concurrent populator
	// already added it).
	KindExist
	// KindOverflow means a directory exceeded AvlMax.
	KindOverflow
	// KindNoMem means entry or dirent allocation failed.
	KindNoMem
	// KindInval means a programming error: wrong type, nil key, etc.
	KindInval
	// KindXDev means a junction crossing; MDC only uses it to decide
	// to skip a dirent, never to fail an operation outright.
	KindXDev
	// KindBadCookie means readdir was called with an unlocatable or
	// otherwise invalid cookie.
	KindBadCookie
	// KindDelay means an incomplete readdir should be retried by the
	// caller (RetryReaddir enabled).
	KindDelay
	// KindServerFault means an impossible state was reached, e.g. a
	// name-collision retry budget was exhausted.
	KindServerFault
)

func (k Kind) String() string {
	switch k {
	case KindStale:
		return "STALE"
	case KindNoEnt:
		return "NOENT"
	case KindExist:
		return "EXIST"
	case KindOverflow:
		return "OVERFLOW"
	case KindNoMem:
		return "NOMEM"
	case KindInval:
		return "INVAL"
	case KindXDev:
		return "XDEV"
	case KindBadCookie:
		return "BADCOOKIE"
	case KindDelay:
		return "DELAY"
	case KindServerFault:
		return "SERVERFAULT"
	default:
		return "UNKNOWN"
	}
}

// Error is the error type every cache operation returns on failure.
type Error struct {
	kind  Kind
	cause error
}

func newErr(kind Kind, cause error) *Error {
	return &Error{kind: kind, cause: cause}
}

// newErrf wraps a formatted message under kind using pkg/errors so the
// resulting error carries a stack trace, mirroring how
// rclone/backend/cache wraps storage failures.
func newErrf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, cause: errors.Errorf(format, args...)}
}

func wrapErr(kind Kind, cause error, msg string) *Error {
	return &Error{kind: kind, cause: errors.Wrap(cause, msg)}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// KindOf extracts the Kind from err. A *mdcache.Error reports its own
// kind; one of the subfsal sentinel errors is translated to the
// matching kind; anything else is an unrecognized failure, which is an
// impossible state as far as the cache's contract is concerned and is
// reported as KindServerFault so it is never silently swallowed.
func KindOf(err error) Kind {
	if err == nil {
		return -1
	}
	var me *Error
	if errors.As(err, &me) {
		return me.kind
	}
	switch {
	case errors.Is(err, subfsal.ErrNoEnt):
		return KindNoEnt
	case errors.Is(err, subfsal.ErrExist), errors.Is(err, subfsal.ErrNotEmpty):
		return KindExist
	case errors.Is(err, subfsal.ErrStale):
		return KindStale
	}
	return KindServerFault
}

// Is allows errors.Is(err, ErrNoEnt) style checks against the sentinel
// values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

var (
	ErrStale       = &Error{kind: KindStale}
	ErrNoEnt       = &Error{kind: KindNoEnt}
	ErrExist       = &Error{kind: KindExist}
	ErrOverflow    = &Error{kind: KindOverflow}
	ErrNoMem       = &Error{kind: KindNoMem}
	ErrInval       = &Error{kind: KindInval}
	ErrXDev        = &Error{kind: KindXDev}
	ErrBadCookie   = &Error{kind: KindBadCookie}
	ErrDelay       = &Error{kind: KindDelay}
	ErrServerFault = &Error{kind: KindServerFault}
)

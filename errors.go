package rfcache

import (
	"errors"
	"fmt"
)

// ErrNoSuchEntry is the soft recovery sentinel returned when a cache
// directory does not hold a complete, recoverable entry. Callers are
// expected to delete the directory.
var ErrNoSuchEntry = errors.New("rfcache: no such entry")

// ErrEndOfFile is returned by Controller.WaitForBytes when a reader asks
// for bytes beyond the final size of a DOWNLOADED entry.
var ErrEndOfFile = errors.New("rfcache: end of file")

// BadArgumentsError reports a caller error: an unknown descriptor class
// tag on recovery, a reader handle that was never opened or was already
// closed, or a descriptor whose declared size can never fit the
// configured budget.
type BadArgumentsError struct {
	msg string
}

func (e *BadArgumentsError) Error() string { return e.msg }

func badArguments(format string, args ...interface{}) error {
	return &BadArgumentsError{msg: fmt.Sprintf(format, args...)}
}

// LogicalError reports that an on-disk entry believed to be DOWNLOADED
// could not be parsed back into a valid descriptor.
type LogicalError struct {
	msg string
	err error
}

func (e *LogicalError) Error() string { return e.msg }
func (e *LogicalError) Unwrap() error { return e.err }

func logicalError(path string, class string, err error) error {
	return &LogicalError{
		msg: fmt.Sprintf("rfcache: invalid metadata file for class %q at %s: %s", class, path, err),
		err: err,
	}
}

package changelog

import (
	"errors"
	"fmt"
)

// ErrLockTimeout is returned by Get when a flush holds the user's lock for
// longer than the configured bound.
var ErrLockTimeout = errors.New("changelog: timed out waiting for user lock")

// PersistError reports a user whose merged record could not be saved. The
// user's entries stay queued for the next flush.
type PersistError struct {
	UserID string
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist user %s: %v", e.UserID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// FailedUsers lists the user ids of every *PersistError in err, which may be
// a single error or the joined result of Flush.
func FailedUsers(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if pe, ok := e.(*PersistError); ok {
			out = append(out, pe.UserID)
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		walk(errors.Unwrap(e))
	}
	walk(err)
	return out
}

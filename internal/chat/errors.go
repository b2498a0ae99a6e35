package chat

import "github.com/pkg/errors"

var (
	// ErrNotFound also covers sessions owned by another user.
	ErrNotFound       = errors.New("not found")
	ErrInvalidSession = errors.New("invalid session id")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrUnsupported    = errors.New("unsupported media type")
	ErrEnqueue        = errors.New("enqueue failed")

	ErrUnknownProvider = errors.New("unknown ai provider")
)

// temporaryError marks a job failure worth retrying, such as a database
// outage before the job was claimed.
type temporaryError struct{ err error }

func (e temporaryError) Error() string   { return e.err.Error() }
func (e temporaryError) Unwrap() error   { return e.err }
func (e temporaryError) Temporary() bool { return true }

func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

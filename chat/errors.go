package chat

import "errors"

var (
	// ErrNotFound reports a missing identity. It blocks sending and is not retryable.
	ErrNotFound = errors.New("chat: not found")
	// ErrUnavailable reports a transport or service failure. Callers may retry.
	ErrUnavailable = errors.New("chat: service unavailable")
	// ErrDirectoryWrite reports a failed identity publish.
	ErrDirectoryWrite = errors.New("chat: directory write failed")
	// ErrChannelWrite reports a failed message append.
	ErrChannelWrite = errors.New("chat: channel write failed")
	// ErrSubscription reports a failed or broken live subscription.
	ErrSubscription = errors.New("chat: subscription failed")
	// ErrIdentityConflict reports an attempt to publish a different key for an existing identity.
	ErrIdentityConflict = errors.New("chat: identity already published with a different key")
	// ErrDuplicateMessage reports an append that reuses a message id.
	ErrDuplicateMessage = errors.New("chat: duplicate message id")
	// ErrInvalidRecord reports a malformed identity, message or conversation id.
	ErrInvalidRecord = errors.New("chat: invalid record")
	// ErrClosed reports use of a closed session.
	ErrClosed = errors.New("chat: session closed")
)

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

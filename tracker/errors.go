package tracker

import "errors"

var (
	// ErrNotFound is returned when a source does not know an identity, or when a
	// subject/channel pair is not subscribed.
	ErrNotFound = errors.New("not found")
	// ErrTransientSource wraps network and parse failures during a poll.
	ErrTransientSource = errors.New("transient source error")
	// ErrDeliveryUnreachable means the target channel (or its guild) no longer exists.
	ErrDeliveryUnreachable = errors.New("channel unreachable")
	// ErrDeliveryForbidden means the bot lacks the minimum permissions in the channel.
	ErrDeliveryForbidden = errors.New("missing channel permissions")
	// ErrPersistence wraps gateway failures. In-memory state stays authoritative.
	ErrPersistence = errors.New("persistence error")

	ErrUnknownKind = errors.New("unknown tracker kind")
	ErrInvalidName = errors.New("invalid subject name")
)

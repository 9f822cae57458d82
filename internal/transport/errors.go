package transport

import "errors"

// Send failures collapse to a small closed set of sentinels so callers
// can classify with errors.Is instead of matching provider error text.
// Adapters wrap the provider error with %w around one of these.
var (
	// ErrRecipientBlocked: the recipient (or the platform on their behalf)
	// refuses messages from this account.
	ErrRecipientBlocked = errors.New("recipient blocked sender")

	// ErrSpamFlagged: the platform rejected the message as spam.
	ErrSpamFlagged = errors.New("message flagged as spam")

	// ErrRateLimited: the platform throttled the account; retry later.
	ErrRateLimited = errors.New("rate limited by platform")

	// ErrNotOnPlatform: the target number has no account.
	ErrNotOnPlatform = errors.New("recipient not registered")

	// ErrNotConnected: the adapter has no live session.
	ErrNotConnected = errors.New("not connected")
)

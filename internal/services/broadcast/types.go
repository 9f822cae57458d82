package broadcast

import (
	"errors"
	"time"
)

var (
	// ErrBusy: a broadcast is already running on this service.
	ErrBusy = errors.New("broadcast: another job is running")

	// ErrNoRecipients: the job resolved to an empty audience.
	ErrNoRecipients = errors.New("broadcast: no recipients")

	// ErrEmptyMessage: the job has no text to send.
	ErrEmptyMessage = errors.New("broadcast: empty message")

	// ErrSpamContent: the message failed the spam pre-flight.
	ErrSpamContent = errors.New("broadcast: message looks like spam")

	// ErrInBackoff: a previous run got the account blocked; wait it out.
	ErrInBackoff = errors.New("broadcast: account in backoff")
)

// Recipient is one audience member.
type Recipient struct {
	JID  string
	Name string
}

// State is the lifecycle phase of a job.
type State string

const (
	StatePlanning   State = "planning"
	StateConfirming State = "confirming"
	StateSending    State = "sending"
	StateCompleted  State = "completed"
	StateAborted    State = "aborted"
)

// Verdict grades how safely a run went, by block count.
type Verdict string

const (
	VerdictSafe    Verdict = "safe"
	VerdictWarning Verdict = "warning"
	VerdictDanger  Verdict = "danger"
)

// Job describes one broadcast request.
type Job struct {
	Text       string
	Recipients []Recipient

	// AccountAgeDays selects the tier limits. Zero or negative counts
	// as a brand new account.
	AccountAgeDays int

	// Progress receives human-readable status lines (preview, periodic
	// progress, final summary). May be nil.
	Progress func(text string)
}

// Summary is the final accounting of a run.
type Summary struct {
	State   State
	Verdict Verdict

	Total   int
	Sent    int
	Failed  int
	Blocked int
	Skipped int

	// Per-outcome recipient samples (display names or JIDs).
	FailedRecipients  []string
	BlockedRecipients []string
	SkippedRecipients []string

	Tier    Tier
	Elapsed time.Duration

	// PerMinute is the effective send throughput.
	PerMinute float64
}

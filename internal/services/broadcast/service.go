package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"wabot/internal/spam"
	"wabot/internal/transport"
	logx "wabot/pkg/logx"
)

const (
	// minSendDelay floors the jittered gap between two sends.
	minSendDelay = 2 * time.Second

	// abortAfterBlocks stops a run that keeps hitting blocked recipients.
	abortAfterBlocks = 3
)

type Config struct {
	// ConfirmWait is the fixed pause between the preview and the first
	// send. There is deliberately a gap here: the wait cannot be
	// cancelled by a chat message, only by process shutdown.
	ConfirmWait time.Duration

	// ProgressEvery emits a progress line every N recipients.
	ProgressEvery int
}

func (c Config) withDefaults() Config {
	if c.ConfirmWait <= 0 {
		c.ConfirmWait = 10 * time.Second
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 10
	}
	return c
}

// Sender is the one transport call the engine needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// RecipientChecker screens a recipient before sending (registered on
// the platform, not a service account, ...).
type RecipientChecker interface {
	ValidateRecipient(ctx context.Context, jid string) (ok bool, reason string, err error)
}

// Service runs broadcast jobs. One job at a time; Run returns ErrBusy
// while another is in flight.
type Service struct {
	runMu sync.Mutex

	mu  sync.Mutex
	cfg Config

	sender  Sender
	checker RecipientChecker
	tracker *Tracker
	log     logx.Logger

	// Injected for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

func New(cfg Config, sender Sender, checker RecipientChecker, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		sender:    sender,
		checker:   checker,
		tracker:   NewTracker(tierLimits[TierNew]),
		log:       log.With(logx.String("comp", "broadcast")),
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
}

// Apply updates tunables at runtime (config hot reload).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Stats exposes the tracker snapshot for status commands.
func (s *Service) Stats() TrackerStats { return s.tracker.Stats() }

// Run executes one broadcast job to completion and returns its summary.
// An aborted run still returns a summary (with StateAborted); errors are
// reserved for jobs that never started sending.
func (s *Service) Run(ctx context.Context, job Job) (*Summary, error) {
	if !s.runMu.TryLock() {
		return nil, ErrBusy
	}
	defer s.runMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// Planning.
	if strings.TrimSpace(job.Text) == "" {
		return nil, ErrEmptyMessage
	}
	if len(job.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if spam.IsSpam(job.Text) {
		return nil, fmt.Errorf("%w (score %d)", ErrSpamContent, spam.Score(job.Text))
	}
	if st := s.tracker.Stats(); st.InBackoff {
		return nil, fmt.Errorf("%w (%s left)", ErrInBackoff, st.BackoffLeft.Round(time.Second))
	}

	tier, limits := SelectTier(job.AccountAgeDays)
	s.tracker.SetLimits(limits)
	batches := planBatches(job.Recipients, limits.MaxBatchSize)

	s.log.Info("broadcast planned",
		logx.Int("recipients", len(job.Recipients)),
		logx.Int("batches", len(batches)),
		logx.String("tier", string(tier)),
	)
	s.progress(job, formatPreview(job, tier, limits, len(batches), cfg.ConfirmWait))

	// Confirming: fixed wait, then go.
	if err := s.sleep(ctx, cfg.ConfirmWait); err != nil {
		return nil, err
	}

	// Sending.
	start := time.Now()
	sum := &Summary{State: StateSending, Tier: tier, Total: len(job.Recipients)}
	processed := 0

sending:
	for bi, batch := range batches {
		for _, r := range batch {
			if ctx.Err() != nil {
				sum.State = StateAborted
				break sending
			}

			ok, reason, wait := s.tracker.CanSend()
			if !ok && reason == GatePacing {
				// The jittered delay can undershoot the tracker's
				// minimum gap; wait it out instead of dropping the
				// recipient.
				if err := s.sleep(ctx, wait); err != nil {
					sum.State = StateAborted
					break sending
				}
				ok, reason, wait = s.tracker.CanSend()
			}
			// Backoff raised by blocks in this very run is governed by
			// the strike counter below, not the gate.
			if !ok && reason != GateBackoff {
				sum.Skipped++
				sum.SkippedRecipients = append(sum.SkippedRecipients, displayName(r))
				s.log.Warn("recipient skipped by rate gate",
					logx.String("to", r.JID),
					logx.String("reason", string(reason)),
					logx.Duration("wait", wait),
				)
				processed++
				s.maybeProgress(job, cfg, processed, sum)
				continue
			}

			if ok, reason := s.screen(ctx, r); !ok {
				sum.Skipped++
				sum.SkippedRecipients = append(sum.SkippedRecipients, displayName(r))
				s.log.Debug("recipient failed validation",
					logx.String("to", r.JID),
					logx.String("reason", reason),
				)
				processed++
				s.maybeProgress(job, cfg, processed, sum)
				continue
			}

			_, err := s.sender.SendText(ctx, transport.ChatTarget{JID: r.JID}, job.Text, nil)
			switch {
			case err == nil:
				sum.Sent++
				s.tracker.RecordSent()
			case errors.Is(err, transport.ErrRateLimited):
				// Transient throttling: not an outcome for the recipient.
				// The tracker notes the failure and the gates slow us down.
				s.tracker.RecordFailed(false)
				s.log.Warn("send rate-limited", logx.String("to", r.JID), logx.Err(err))
			case errors.Is(err, transport.ErrRecipientBlocked) || errors.Is(err, transport.ErrSpamFlagged):
				sum.Blocked++
				sum.BlockedRecipients = append(sum.BlockedRecipients, displayName(r))
				s.tracker.RecordFailed(true)
				s.log.Warn("send blocked", logx.String("to", r.JID), logx.Err(err))
				if sum.Blocked >= abortAfterBlocks {
					sum.State = StateAborted
					s.log.Error("broadcast aborted after repeated blocks", logx.Int("blocked", sum.Blocked))
					break sending
				}
			default:
				sum.Failed++
				sum.FailedRecipients = append(sum.FailedRecipients, displayName(r))
				s.tracker.RecordFailed(false)
				s.log.Warn("send failed", logx.String("to", r.JID), logx.Err(err))
			}

			processed++
			s.maybeProgress(job, cfg, processed, sum)

			if processed < sum.Total {
				if err := s.sleep(ctx, s.jitterDelay(limits.DelayBetweenMessages)); err != nil {
					sum.State = StateAborted
					break sending
				}
			}
		}

		if sum.State == StateSending && bi < len(batches)-1 {
			s.progress(job, fmt.Sprintf("Batch %d/%d done (%d sent so far), pausing...", bi+1, len(batches), sum.Sent))
			if err := s.sleep(ctx, 2*limits.DelayBetweenMessages); err != nil {
				sum.State = StateAborted
				break sending
			}
		}
	}

	if sum.State == StateSending {
		sum.State = StateCompleted
	}
	sum.Elapsed = time.Since(start)
	if mins := sum.Elapsed.Minutes(); mins > 0 {
		sum.PerMinute = float64(sum.Sent) / mins
	}
	sum.Verdict = verdictFor(sum.Blocked)

	s.log.Info("broadcast finished",
		logx.String("state", string(sum.State)),
		logx.Int("sent", sum.Sent),
		logx.Int("failed", sum.Failed),
		logx.Int("blocked", sum.Blocked),
		logx.Int("skipped", sum.Skipped),
		logx.Duration("elapsed", sum.Elapsed),
	)
	s.progress(job, formatSummary(sum))
	return sum, nil
}

func (s *Service) screen(ctx context.Context, r Recipient) (bool, string) {
	if s.checker == nil {
		return true, ""
	}
	ok, reason, err := s.checker.ValidateRecipient(ctx, r.JID)
	if err != nil {
		// Screening is advisory; a broken check shouldn't drop the recipient.
		s.log.Debug("recipient check errored", logx.String("to", r.JID), logx.Err(err))
		return true, ""
	}
	return ok, reason
}

// jitterDelay spreads sends as base*[0.5,1.5), floored so even eager
// tiers never machine-gun.
func (s *Service) jitterDelay(base time.Duration) time.Duration {
	d := time.Duration(float64(base) * (0.5 + s.randFloat()))
	if d < minSendDelay {
		d = minSendDelay
	}
	return d
}

func (s *Service) maybeProgress(job Job, cfg Config, processed int, sum *Summary) {
	if processed%cfg.ProgressEvery != 0 || processed == sum.Total {
		return
	}
	s.progress(job, formatProgress(processed, sum))
}

func (s *Service) progress(job Job, text string) {
	if job.Progress == nil || text == "" {
		return
	}
	job.Progress(text)
}

func verdictFor(blocked int) Verdict {
	switch {
	case blocked == 0:
		return VerdictSafe
	case blocked < abortAfterBlocks:
		return VerdictWarning
	default:
		return VerdictDanger
	}
}

func displayName(r Recipient) string {
	if r.Name != "" {
		return r.Name
	}
	return r.JID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package broadcast

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const sampleMax = 5

func formatPreview(job Job, tier Tier, limits AccountLimits, batches int, confirmWait time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Broadcast to %d recipients in %d batches.\n", len(job.Recipients), batches)
	fmt.Fprintf(&b, "Account tier: %s (%d/hour, %d/day, ~%s between messages)\n",
		tier, limits.MessagesPerHour, limits.MessagesPerDay, limits.DelayBetweenMessages)
	fmt.Fprintf(&b, "Message: %s\n", snippet(job.Text, 120))
	fmt.Fprintf(&b, "Starting in %s.", confirmWait.Round(time.Second))
	return b.String()
}

func formatProgress(processed int, sum *Summary) string {
	return fmt.Sprintf("Progress %d/%d: %d sent, %d failed, %d blocked, %d skipped",
		processed, sum.Total, sum.Sent, sum.Failed, sum.Blocked, sum.Skipped)
}

func formatSummary(sum *Summary) string {
	var b strings.Builder
	switch sum.State {
	case StateAborted:
		b.WriteString("Broadcast ABORTED.\n")
	default:
		b.WriteString("Broadcast completed.\n")
	}
	fmt.Fprintf(&b, "Sent %d/%d, failed %d, blocked %d, skipped %d.\n",
		sum.Sent, sum.Total, sum.Failed, sum.Blocked, sum.Skipped)
	fmt.Fprintf(&b, "Took %s (%.1f msg/min).\n", sum.Elapsed.Round(time.Second), sum.PerMinute)

	writeSample(&b, "Failed", sum.FailedRecipients)
	writeSample(&b, "Blocked", sum.BlockedRecipients)
	writeSample(&b, "Skipped", sum.SkippedRecipients)

	switch sum.Verdict {
	case VerdictSafe:
		b.WriteString("Account status: safe.")
	case VerdictWarning:
		b.WriteString("Account status: warning, a recipient blocked you. Slow down.")
	default:
		b.WriteString("Account status: DANGER, multiple blocks. Stop broadcasting today.")
	}
	return b.String()
}

func writeSample(b *strings.Builder, label string, names []string) {
	if len(names) == 0 {
		return
	}
	shown := names
	if len(shown) > sampleMax {
		shown = shown[:sampleMax]
	}
	fmt.Fprintf(b, "%s: %s", label, strings.Join(shown, ", "))
	if rest := len(names) - len(shown); rest > 0 {
		fmt.Fprintf(b, " +%d more", rest)
	}
	b.WriteString("\n")
}

func snippet(s string, maxN int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxN {
		return s
	}
	cut := maxN - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

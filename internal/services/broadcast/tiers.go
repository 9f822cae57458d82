package broadcast

import "time"

// Tier buckets the sending account by age. Fresh accounts get banned
// for volume an established account shrugs off.
type Tier string

const (
	TierNew         Tier = "new"         // < 7 days
	TierWarming     Tier = "warming"     // < 30 days
	TierEstablished Tier = "established" // >= 30 days
)

// AccountLimits is the send budget for a tier.
type AccountLimits struct {
	MessagesPerHour      int
	MessagesPerDay       int
	DelayBetweenMessages time.Duration
	MaxBatchSize         int
}

var tierLimits = map[Tier]AccountLimits{
	TierNew:         {MessagesPerHour: 15, MessagesPerDay: 100, DelayBetweenMessages: 10 * time.Second, MaxBatchSize: 5},
	TierWarming:     {MessagesPerHour: 30, MessagesPerDay: 300, DelayBetweenMessages: 5 * time.Second, MaxBatchSize: 10},
	TierEstablished: {MessagesPerHour: 60, MessagesPerDay: 1000, DelayBetweenMessages: 3 * time.Second, MaxBatchSize: 20},
}

// SelectTier maps account age in days to a tier and its limits.
func SelectTier(accountAgeDays int) (Tier, AccountLimits) {
	switch {
	case accountAgeDays < 7:
		return TierNew, tierLimits[TierNew]
	case accountAgeDays < 30:
		return TierWarming, tierLimits[TierWarming]
	default:
		return TierEstablished, tierLimits[TierEstablished]
	}
}

// planBatches splits recipients into contiguous chunks of at most
// maxBatch, preserving order. The last chunk may be short.
func planBatches(recipients []Recipient, maxBatch int) [][]Recipient {
	if len(recipients) == 0 {
		return nil
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}
	out := make([][]Recipient, 0, (len(recipients)+maxBatch-1)/maxBatch)
	for start := 0; start < len(recipients); start += maxBatch {
		end := start + maxBatch
		if end > len(recipients) {
			end = len(recipients)
		}
		out = append(out, recipients[start:end])
	}
	return out
}

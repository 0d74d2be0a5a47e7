package worker

import (
	"fmt"

	"github.com/harrison/relay/internal/models"
)

// DefaultFileWriteCeiling is the number of writes to one file within a
// single execution at which the file counts as thrashing.
const DefaultFileWriteCeiling = 6

// Config bounds a task's attempt sequence. It is copied into each State.
type Config struct {
	MaxAttempts           int         // Hard cap on executions across all tiers
	MaxRetriesPerTier     int         // Same-tier executions before escalating
	MaxRetriesAtFinalTier int         // Same-tier executions allowed at MaxTier
	StartTier             models.Tier // Tier of the first execution
	MaxTier               models.Tier // Escalation ceiling
	EnableVerification    bool        // Run verification after each execution
	EnableReview          bool        // Run a review pass after verification
	MaxReviewPasses       int         // Review passes per task
	FileWriteCeiling      int         // Writes to one file per execution before thrash
}

// DefaultConfig returns the worker limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:           9,
		MaxRetriesPerTier:     3,
		MaxRetriesAtFinalTier: 3,
		StartTier:             models.TierHaiku,
		MaxTier:               models.TierOpus,
		EnableVerification:    true,
		EnableReview:          false,
		MaxReviewPasses:       2,
		FileWriteCeiling:      DefaultFileWriteCeiling,
	}
}

// Validate checks that the limits are usable.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.MaxRetriesPerTier < 1 {
		return fmt.Errorf("max_retries_per_tier must be at least 1, got %d", c.MaxRetriesPerTier)
	}
	if c.MaxRetriesAtFinalTier < 1 {
		return fmt.Errorf("max_retries_at_final_tier must be at least 1, got %d", c.MaxRetriesAtFinalTier)
	}
	if !c.StartTier.Valid() {
		return fmt.Errorf("invalid start tier %q", c.StartTier)
	}
	if !c.MaxTier.Valid() {
		return fmt.Errorf("invalid max tier %q", c.MaxTier)
	}
	if c.StartTier.Rank() > c.MaxTier.Rank() {
		return fmt.Errorf("start tier %s is above max tier %s", c.StartTier, c.MaxTier)
	}
	if c.EnableReview && c.MaxReviewPasses < 1 {
		return fmt.Errorf("max_review_passes must be at least 1 when review is enabled")
	}
	if c.FileWriteCeiling < 1 {
		return fmt.Errorf("file_write_ceiling must be at least 1, got %d", c.FileWriteCeiling)
	}
	return nil
}

// RetryLimit returns the same-tier execution limit for tier.
func (c Config) RetryLimit(tier models.Tier) int {
	if tier == c.MaxTier {
		return c.MaxRetriesAtFinalTier
	}
	return c.MaxRetriesPerTier
}

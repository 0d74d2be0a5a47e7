// Package escalation decides what happens after a failed execution attempt.
//
// Decide is a pure function of its Input. Rules are evaluated in a fixed
// order and the first rule that returns a decision wins, so a thrashing
// file fails fast even when the same errors would also look trivial.
package escalation

import (
	"fmt"
	"sort"

	"github.com/harrison/relay/internal/models"
)

// Action is the outcome of a policy decision.
type Action string

const (
	Continue  Action = "continue"
	Escalate  Action = "escalate"
	ForceFail Action = "force_fail"
)

// Rule names, reported in Decision.Rule for logging and telemetry.
const (
	RuleRepeatedError = "repeated_error"
	RuleFileThrash    = "file_thrash"
	RuleNoChanges     = "no_changes"
	RuleFinalTier     = "final_tier"
	RuleTrivialErrors = "trivial_errors"
	RuleSeriousErrors = "serious_errors"
	RuleDefault       = "default"
)

const (
	// MaxNoChangeRetries is how many attempts without writes are retried
	// before the task is failed.
	MaxNoChangeRetries = 2
	// TrivialExtraRetries is the headroom lint and spelling failures get
	// beyond the per-tier retry ceiling.
	TrivialExtraRetries = 2
	// RepeatThreshold is how often one error signature may appear before
	// the task is considered stuck.
	RepeatThreshold = 2
)

// Input is everything the policy looks at. It is a value snapshot of a
// worker's state after an attempt.
type Input struct {
	Errors                []models.ErrorRecord
	Attempt               int
	FileWrites            map[string]int
	WriteCeiling          int
	NoOpEdits             int
	NoChangeAttempts      int
	SameModelRetries      int
	Tier                  models.Tier
	MaxTier               models.Tier
	MaxRetriesPerTier     int
	MaxRetriesAtFinalTier int
	Kind                  TaskKind
}

// Decision is the policy's verdict with a human-readable reason.
type Decision struct {
	Action   Action
	Reason   string
	Hint     string      // Extra guidance for the next prompt, if any
	NextTier models.Tier // Set when Action is Escalate
	Rule     string
}

type rule func(Input) *Decision

var rules = []rule{
	repeatedErrorRule,
	fileThrashRule,
	noChangesRule,
	finalTierRule,
	trivialErrorsRule,
	seriousErrorsRule,
	defaultRule,
}

// Decide evaluates the rules in priority order and returns the first decision.
func Decide(in Input) Decision {
	for _, r := range rules {
		if d := r(in); d != nil {
			return *d
		}
	}
	// defaultRule always decides; this is unreachable.
	return Decision{Action: Continue, Reason: "no rule matched", Rule: RuleDefault}
}

// errorKey identifies an error for loop detection: its category plus the
// masked message prefix.
type errorKey struct {
	category models.ErrorCategory
	sig      string
}

func repeatedErrorRule(in Input) *Decision {
	counts := make(map[errorKey]int, len(in.Errors))
	var order []errorKey
	for _, rec := range in.Errors {
		key := errorKey{category: rec.Category, sig: Signature(rec.Message)}
		if key.sig == "" {
			continue
		}
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
	}
	for _, key := range order {
		if counts[key] >= RepeatThreshold {
			return &Decision{
				Action: ForceFail,
				Reason: fmt.Sprintf("same error seen %d times: [%s] %s", counts[key], key.category, key.sig),
				Rule:   RuleRepeatedError,
			}
		}
	}
	return nil
}

func fileThrashRule(in Input) *Decision {
	ceiling := in.WriteCeiling
	if ceiling <= 0 {
		return nil
	}
	files := make([]string, 0, len(in.FileWrites))
	for f := range in.FileWrites {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		if n := in.FileWrites[f]; n >= ceiling {
			return &Decision{
				Action: ForceFail,
				Reason: fmt.Sprintf("file %s written %d times in one attempt (ceiling %d)", f, n, ceiling),
				Rule:   RuleFileThrash,
			}
		}
	}
	return nil
}

var noChangeHints = []string{
	"The previous attempt made no changes. If the objective is already satisfied, say so explicitly; otherwise edit the files needed to complete it.",
	"Two attempts in a row made no changes. Inspect the current file contents, then either report the task as already complete or make the required edits now.",
}

const completionHint = "Your last edit matched the existing content exactly. The work may already be done; verify and report completion if so."

func noChangesRule(in Input) *Decision {
	n := in.NoChangeAttempts
	if n <= 0 {
		return nil
	}
	if n > MaxNoChangeRetries {
		return &Decision{
			Action: ForceFail,
			Reason: fmt.Sprintf("no changes produced in %d consecutive attempts", n),
			Rule:   RuleNoChanges,
		}
	}
	if in.NoOpEdits > 0 {
		return &Decision{
			Action: Continue,
			Reason: "edit matched existing content",
			Hint:   completionHint,
			Rule:   RuleNoChanges,
		}
	}
	return &Decision{
		Action: Continue,
		Reason: fmt.Sprintf("retry %d/%d", n, MaxNoChangeRetries),
		Hint:   noChangeHints[n-1],
		Rule:   RuleNoChanges,
	}
}

func finalTierRule(in Input) *Decision {
	if in.Tier != in.MaxTier {
		return nil
	}
	if in.SameModelRetries >= in.MaxRetriesAtFinalTier {
		return &Decision{
			Action: ForceFail,
			Reason: fmt.Sprintf("out of retries at final tier (%s, %d/%d)", in.Tier, in.SameModelRetries, in.MaxRetriesAtFinalTier),
			Rule:   RuleFinalTier,
		}
	}
	return &Decision{
		Action: Continue,
		Reason: fmt.Sprintf("retry %d/%d at final tier %s", in.SameModelRetries, in.MaxRetriesAtFinalTier, in.Tier),
		Rule:   RuleFinalTier,
	}
}

func trivialErrorsRule(in Input) *Decision {
	cats := latestCategories(in)
	if len(cats) == 0 {
		return nil
	}
	for _, c := range cats {
		if !c.IsTrivial() {
			return nil
		}
	}
	limit := in.MaxRetriesPerTier + TrivialExtraRetries
	return tierLimitDecision(in, limit, RuleTrivialErrors, "trivial errors")
}

func seriousErrorsRule(in Input) *Decision {
	cats := latestCategories(in)
	serious := false
	hasTest := false
	for _, c := range cats {
		if c.IsSerious() {
			serious = true
		}
		if c == models.CategoryTest {
			hasTest = true
		}
	}
	if !serious {
		return nil
	}
	limit := in.MaxRetriesPerTier - 1
	if limit < 2 {
		limit = 2
	}
	if in.Kind == KindTestWriting && hasTest {
		limit++
	}
	return tierLimitDecision(in, limit, RuleSeriousErrors, "serious errors")
}

func defaultRule(in Input) *Decision {
	return tierLimitDecision(in, in.MaxRetriesPerTier, RuleDefault, "retries")
}

func tierLimitDecision(in Input, limit int, ruleName, what string) *Decision {
	if in.SameModelRetries >= limit {
		next := in.Tier.Next(in.MaxTier)
		return &Decision{
			Action:   Escalate,
			Reason:   fmt.Sprintf("%s exhausted %d/%d retries at %s, escalating to %s", what, in.SameModelRetries, limit, in.Tier, next),
			NextTier: next,
			Rule:     ruleName,
		}
	}
	return &Decision{
		Action: Continue,
		Reason: fmt.Sprintf("%s: retry %d/%d at %s", what, in.SameModelRetries, limit, in.Tier),
		Rule:   ruleName,
	}
}

// latestCategories returns the distinct categories recorded for the
// current attempt, in first-seen order.
func latestCategories(in Input) []models.ErrorCategory {
	seen := make(map[models.ErrorCategory]bool)
	var cats []models.ErrorCategory
	for _, rec := range in.Errors {
		if rec.Attempt != in.Attempt || seen[rec.Category] {
			continue
		}
		seen[rec.Category] = true
		cats = append(cats, rec.Category)
	}
	return cats
}

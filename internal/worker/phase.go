// Package worker implements the per-task execution state machine.
//
// A State drives one task through planning, bounded execution attempts,
// verification, optional review and commit. It performs no I/O: the
// orchestrator invokes agents, git and verification and reports the
// outcome back through the Record* mutators.
package worker

import (
	"time"

	"github.com/harrison/relay/internal/models"
)

// PhaseName identifies an execution phase.
type PhaseName string

const (
	PhaseInitializing PhaseName = "initializing"
	PhasePlanning     PhaseName = "planning"
	PhaseExecuting    PhaseName = "executing"
	PhaseVerifying    PhaseName = "verifying"
	PhaseReviewing    PhaseName = "reviewing"
	PhaseCommitting   PhaseName = "committing"
	PhaseComplete     PhaseName = "complete"
	PhaseFailed       PhaseName = "failed"
)

// Phase is the sealed set of execution phases. Each phase carries its own payload.
type Phase interface {
	Name() PhaseName
	phase()
}

type Initializing struct{}

type Planning struct {
	StartedAt time.Time
}

type Executing struct {
	Model     models.Tier
	Attempt   int
	StartedAt time.Time
}

type Verifying struct {
	StartedAt time.Time
}

type Reviewing struct {
	Tier models.Tier
	Pass int
}

type Committing struct{}

type Complete struct {
	Result string
}

type Failed struct {
	Reason string
}

func (Initializing) Name() PhaseName { return PhaseInitializing }
func (Planning) Name() PhaseName     { return PhasePlanning }
func (Executing) Name() PhaseName    { return PhaseExecuting }
func (Verifying) Name() PhaseName    { return PhaseVerifying }
func (Reviewing) Name() PhaseName    { return PhaseReviewing }
func (Committing) Name() PhaseName   { return PhaseCommitting }
func (Complete) Name() PhaseName     { return PhaseComplete }
func (Failed) Name() PhaseName       { return PhaseFailed }

func (Initializing) phase() {}
func (Planning) phase()     {}
func (Executing) phase()    {}
func (Verifying) phase()    {}
func (Reviewing) phase()    {}
func (Committing) phase()   {}
func (Complete) phase()     {}
func (Failed) phase()       {}

// transitions lists the legal successors of each phase.
var transitions = map[PhaseName][]PhaseName{
	PhaseInitializing: {PhasePlanning},
	PhasePlanning:     {PhaseExecuting},
	PhaseExecuting:    {PhaseExecuting, PhaseVerifying, PhaseCommitting, PhaseComplete, PhaseFailed},
	PhaseVerifying:    {PhaseReviewing, PhaseVerifying, PhaseExecuting, PhaseCommitting, PhaseFailed},
	PhaseReviewing:    {PhaseVerifying, PhaseExecuting, PhaseCommitting, PhaseFailed},
	PhaseCommitting:   {PhaseComplete},
	PhaseComplete:     nil,
	PhaseFailed:       nil,
}

// CanTransition reports whether moving from one phase to another is legal.
func CanTransition(from, to PhaseName) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalPhase reports whether a phase has no outgoing transitions.
func IsTerminalPhase(name PhaseName) bool {
	return len(transitions[name]) == 0
}

// AllPhases returns every phase name in lifecycle order.
func AllPhases() []PhaseName {
	return []PhaseName{
		PhaseInitializing, PhasePlanning, PhaseExecuting, PhaseVerifying,
		PhaseReviewing, PhaseCommitting, PhaseComplete, PhaseFailed,
	}
}

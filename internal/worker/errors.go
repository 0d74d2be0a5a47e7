package worker

import (
	"errors"
	"fmt"
)

// ErrContractViolation is the sentinel wrapped by every ContractViolation.
var ErrContractViolation = errors.New("contract violation")

// ContractViolation reports an illegal use of the state machine.
// It is a programming error and is never retried.
type ContractViolation struct {
	TaskID string
	From   PhaseName
	To     PhaseName
	Detail string
}

func (e *ContractViolation) Error() string {
	msg := fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ContractViolation) Unwrap() error {
	return ErrContractViolation
}

// IsContractViolation returns true if err is or wraps a ContractViolation.
func IsContractViolation(err error) bool {
	var cv *ContractViolation
	return errors.As(err, &cv)
}

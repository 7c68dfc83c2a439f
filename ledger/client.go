package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNoContractCode indicates the configured contract address holds no
	// code on the connected chain. Surfaced distinctly so a wrong-network
	// deployment is never mistaken for a revert.
	ErrNoContractCode = errors.New("ledger: no contract code at address")

	// ErrRejected marks an on-chain revert. Funds-moving calls are never
	// resubmitted automatically after this error.
	ErrRejected = errors.New("ledger: transaction rejected")

	// ErrNotConfirmed indicates the transaction did not reach the required
	// confirmation depth before the context expired.
	ErrNotConfirmed = errors.New("ledger: transaction not confirmed")
)

// RejectedError wraps the raw revert reason reported by the chain.
type RejectedError struct {
	TxHash string
	Reason string
}

func (e *RejectedError) Error() string {
	if e == nil {
		return ErrRejected.Error()
	}
	return fmt.Sprintf("ledger: transaction %s rejected: %s", e.TxHash, e.Reason)
}

// Is lets callers match the sentinel with errors.Is.
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

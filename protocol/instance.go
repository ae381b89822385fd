package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/dbogatov/car-ledger/ledger"
)

// State of a protocol instance on the initiating node.
type State string

const (
	StateBuilding           State = "BUILDING"
	StateLocalVerify        State = "LOCAL_VERIFY"
	StateLocalSign          State = "LOCAL_SIGN"
	StateCollecting         State = "COLLECTING_SIGNATURES"
	StateRequestingFinality State = "REQUESTING_FINALITY"
	StateCommitted          State = "COMMITTED"
	StateAborted            State = "ABORTED"
)

var transitions = map[State][]State{
	StateBuilding:           {StateLocalVerify},
	StateLocalVerify:        {StateLocalSign, StateAborted},
	StateLocalSign:          {StateCollecting},
	StateCollecting:         {StateRequestingFinality, StateAborted},
	StateRequestingFinality: {StateCommitted, StateAborted},
}

// ErrIllegalTransition ...
var ErrIllegalTransition = errors.New("illegal state transition")

// Terminal reports whether no transition leaves the state.
func (state State) Terminal() bool {
	return state == StateCommitted || state == StateAborted
}

// CanTransition ...
func (state State) CanTransition(to State) bool {
	for _, allowed := range transitions[state] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Instance is the durable record of one protocol run. It is checkpointed
// after every transition and is all a restarted node needs to resume.
type Instance struct {
	ID       string
	State    State
	Command  ledger.CommandType
	Proposal ledger.TransactionProposal

	// initiator signature only, until collection succeeds
	Signatures ledger.SignaturePackage

	// set once the arbiter certified, before the local write
	Transaction *ledger.FinalizedTransaction

	FailureKind ledger.Kind `json:",omitempty"`
	Failure     string      `json:",omitempty"`
	Updated     time.Time
}

func (instance *Instance) transition(to State) error {
	if !instance.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, instance.State, to)
	}
	instance.State = to
	return nil
}

// Timings are the phase boundaries of one drive of an instance.
// Phases skipped on resumption are left zero.
type Timings struct {
	Start         time.Time
	CollectStart  time.Time
	CollectEnd    time.Time
	FinalityStart time.Time
	FinalityEnd   time.Time
	End           time.Time
}

// Result is what an initiator reports to its caller.
type Result struct {
	InstanceID  string
	TxID        string
	State       State
	Transaction *ledger.FinalizedTransaction
	Undelivered []DeliveryFailure
	Timings     Timings
}

func (instance *Instance) result() Result {
	return Result{
		InstanceID:  instance.ID,
		TxID:        instance.Proposal.ID(),
		State:       instance.State,
		Transaction: instance.Transaction,
	}
}

// Package protocol drives one ledger transition from proposal to finality:
// build, verify, sign locally, collect counterparty signatures, obtain the
// arbiter's certificate and record the result on every participant.
package protocol

import (
	"context"
	"time"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/dbogatov/car-ledger/vault"
	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("protocol")

// SetLogger ...
func SetLogger(l *logging.Logger) {
	logger = l
}

// Rule ids of the checks a responder makes on top of the contract.
const (
	RuleMalformed          = "session.malformed"
	RuleInitiatorSignature = "initiator.signature"
	RuleNotSigner          = "responder.not-signer"
	RuleUnknownNotary      = "notary.unknown"
	RuleInputLookup        = "relocate.input-lookup"
)

// Directory is the part of the network directory the protocol needs.
type Directory interface {
	Resolve(role ledger.Role) (ledger.Identity, error)
	Notaries() []ledger.Identity
	ByKey(key []byte) (ledger.Identity, bool)
	ByName(name string) (ledger.Identity, bool)
}

// Party bundles what a node brings to every protocol instance.
type Party struct {
	Identity  ledger.Identity
	Keys      *ledger.KeysHolder
	Directory Directory
	Transport network.Transport
	Store     vault.Store
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// lookupInput finds the state a relocation consumes in the local store.
// It returns nil when the proposal consumes nothing or the state is unknown.
func lookupInput(ctx context.Context, store vault.Store, proposal ledger.TransactionProposal) (*ledger.StateAndRef, error) {
	if len(proposal.Inputs) == 0 || len(proposal.Outputs) == 0 || proposal.Outputs[0].Car == nil {
		return nil, nil
	}

	states, e := store.Query(ctx, vault.Criteria{LinearID: proposal.Outputs[0].Car.LinearID})
	if e != nil {
		return nil, e
	}
	for _, state := range states {
		if state.Ref == proposal.Inputs[0] {
			return &state, nil
		}
	}
	return nil, nil
}

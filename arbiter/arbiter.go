// Package arbiter is the uniqueness service: it certifies that the inputs of a
// fully signed transaction were consumed by that transaction and no other.
package arbiter

import (
	"context"
	"sync"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/op/go-logging"
	"golang.org/x/sync/semaphore"
)

var logger = logging.MustGetLogger("arbiter")

// SetLogger ...
func SetLogger(l *logging.Logger) {
	logger = l
}

// RuleSignatures is reported when a certification request is not fully signed.
const RuleSignatures = "certify.signatures"

// Arbiter ...
type Arbiter struct {
	identity ledger.Identity
	keys     *ledger.KeysHolder

	certificationSemaphore *semaphore.Weighted

	// mu guards consumed and certified; it is the only point where
	// independent protocol instances are serialized
	mu        sync.Mutex
	consumed  map[ledger.StateRef]string
	certified map[string]ledger.Certificate
}

// MakeArbiter ...
func MakeArbiter(identity ledger.Identity, keys *ledger.KeysHolder, concurrent int) (arbiter *Arbiter) {
	if concurrent < 1 {
		concurrent = 1
	}

	identity.Key = keys.PublicKey()

	arbiter = &Arbiter{
		identity:               identity,
		keys:                   keys,
		certificationSemaphore: semaphore.NewWeighted(int64(concurrent)),
		consumed:               make(map[ledger.StateRef]string),
		certified:              make(map[string]ledger.Certificate),
	}

	return
}

// Identity ...
func (arbiter *Arbiter) Identity() ledger.Identity {
	return arbiter.identity
}

// Certify checks the signatures cover the command signers and records the
// inputs as consumed by this transaction. Certifying the same transaction
// again returns a certificate; any input already consumed by another
// transaction is a UniquenessConflict.
func (arbiter *Arbiter) Certify(ctx context.Context, proposal ledger.TransactionProposal, signatures ledger.SignaturePackage) (certificate ledger.Certificate, e error) {

	if e = arbiter.certificationSemaphore.Acquire(ctx, 1); e != nil {
		return ledger.Certificate{}, ledger.ArbiterUnavailable(arbiter.identity.Name, e)
	}
	defer arbiter.certificationSemaphore.Release(1)

	if ledger.KeyID(proposal.Notary.Key) != ledger.KeyID(arbiter.identity.Key) {
		return ledger.Certificate{}, ledger.AuthorizationError(proposal.Notary.Name, "transaction names a different notary")
	}

	hash := proposal.Hash()
	if e = signatures.Verify(hash); e != nil {
		return ledger.Certificate{}, ledger.ContractViolation(RuleSignatures, "%v", e)
	}
	if missing := signatures.Missing(proposal.Command.Signers); len(missing) > 0 {
		return ledger.Certificate{}, ledger.ContractViolation(RuleSignatures, "%d required signature(s) missing", len(missing))
	}

	id := proposal.ID()
	certificate = ledger.Certificate{
		TxID:      id,
		Notary:    arbiter.identity.Key,
		Signature: arbiter.keys.Sign(hash),
	}

	arbiter.mu.Lock()
	defer arbiter.mu.Unlock()

	if previous, done := arbiter.certified[id]; done {
		logger.Debugf("%s re-issued certificate for %s", arbiter.identity.Name, id)
		return previous, nil
	}

	var conflicts []ledger.StateRef
	for _, input := range proposal.Inputs {
		if owner, taken := arbiter.consumed[input]; taken && owner != id {
			conflicts = append(conflicts, input)
		}
	}
	if len(conflicts) > 0 {
		logger.Infof("%s refused %s: %d input(s) already consumed", arbiter.identity.Name, id, len(conflicts))
		return ledger.Certificate{}, ledger.UniquenessConflict(conflicts)
	}

	for _, input := range proposal.Inputs {
		arbiter.consumed[input] = id
	}
	arbiter.certified[id] = certificate

	logger.Debugf("%s certified %s (%d input(s))", arbiter.identity.Name, id, len(proposal.Inputs))

	return
}

// ConsumedBy returns the transaction that consumed ref, if any.
func (arbiter *Arbiter) ConsumedBy(ref ledger.StateRef) (string, bool) {
	arbiter.mu.Lock()
	defer arbiter.mu.Unlock()

	id, taken := arbiter.consumed[ref]
	return id, taken
}

// Handle answers certification requests on a session until it is closed.
func (arbiter *Arbiter) Handle(ctx context.Context, session network.Session) {
	defer session.Close()

	for {
		request, e := session.Receive(ctx)
		if e != nil {
			return
		}

		if e = session.Send(ctx, arbiter.reply(ctx, request)); e != nil {
			logger.Warningf("%s could not reply to %s: %v", arbiter.identity.Name, session.Counterparty().Name, e)
			return
		}
	}
}

func (arbiter *Arbiter) reply(ctx context.Context, request network.Message) network.Message {
	if request.Kind != network.MsgCertify || request.Proposal == nil || request.Signatures == nil {
		return network.Message{Kind: network.MsgRejection, Rule: "certify.request", Reason: "expected a certification request"}
	}

	certificate, e := arbiter.Certify(ctx, *request.Proposal, *request.Signatures)
	if e == nil {
		return network.Message{Kind: network.MsgCertificate, Certificate: &certificate}
	}

	switch ledger.KindOf(e) {
	case ledger.KindUniquenessConflict:
		return network.Message{Kind: network.MsgConflict, Refs: ledger.RefsOf(e), Reason: e.Error()}
	case ledger.KindArbiterUnavailable:
		return network.Message{Kind: network.MsgUnavailable, Reason: e.Error()}
	}
	return network.Message{Kind: network.MsgRejection, Rule: ledger.RuleOf(e), Reason: e.Error()}
}

package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/dbogatov/car-ledger/contract"
	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"golang.org/x/sync/semaphore"
)

// Responder answers proposals from initiators: it verifies, countersigns
// and later records the finalized transaction.
type Responder struct {
	Party

	timeout time.Duration
	metrics *Metrics

	verificationSemaphore *semaphore.Weighted
}

// MakeResponder ...
func MakeResponder(party Party, concurrent int, timeout time.Duration, metrics *Metrics) (responder *Responder) {
	if concurrent < 1 {
		concurrent = 1
	}

	responder = &Responder{
		Party:                 party,
		timeout:               timeout,
		metrics:               metrics,
		verificationSemaphore: semaphore.NewWeighted(int64(concurrent)),
	}

	return
}

// Handle serves one session. A session opening with a proposal is answered
// with a signature or a rejection and then awaits the finalized transaction.
// A session opening with a finalized transaction is a redelivery.
func (responder *Responder) Handle(ctx context.Context, session network.Session) {
	defer session.Close()

	ctx, cancel := withTimeout(ctx, responder.timeout)
	defer cancel()

	message, e := session.Receive(ctx)
	if e != nil {
		logger.Debugf("%s: session %s from %s ended early: %v", responder.Identity.Name, session.Instance(), session.Counterparty().Name, e)
		return
	}

	switch message.Kind {
	case network.MsgProposal:
		signed, ok := responder.answer(ctx, session, message)
		if !ok {
			return
		}
		responder.awaitFinality(ctx, session, signed)
	case network.MsgFinalized:
		responder.record(ctx, session, message, "")
	default:
		responder.reject(ctx, session, RuleMalformed, fmt.Sprintf("unexpected %s message", message.Kind))
	}
}

// answer verifies the proposal and replies. It returns the signed tx id.
func (responder *Responder) answer(ctx context.Context, session network.Session, message network.Message) (string, bool) {

	if e := responder.verificationSemaphore.Acquire(ctx, 1); e != nil {
		return "", false
	}
	defer responder.verificationSemaphore.Release(1)

	start := time.Now()
	rule, reason := responder.check(ctx, session, message)
	responder.metrics.observePhase("verify", start)

	if rule != "" {
		logger.Infof("%s rejected %s from %s [%s]: %s", responder.Identity.Name, session.Instance(), session.Counterparty().Name, rule, reason)
		responder.reject(ctx, session, rule, reason)
		return "", false
	}

	proposal := *message.Proposal
	hash := proposal.Hash()
	signature := ledger.Signature{By: responder.Keys.PublicKey(), Bytes: responder.Keys.Sign(hash)}

	if e := session.Send(ctx, network.Message{Kind: network.MsgSignature, Signature: &signature}); e != nil {
		logger.Warningf("%s could not return signature to %s: %v", responder.Identity.Name, session.Counterparty().Name, e)
		return "", false
	}
	logger.Debugf("%s signed %s for %s", responder.Identity.Name, proposal.ID(), session.Counterparty().Name)

	return proposal.ID(), true
}

// check returns the violated rule and a reason, or empty strings.
func (responder *Responder) check(ctx context.Context, session network.Session, message network.Message) (rule, reason string) {

	if message.Proposal == nil || message.Signatures == nil {
		return RuleMalformed, "proposal or initiator signatures missing"
	}
	proposal := *message.Proposal

	input, e := lookupInput(ctx, responder.Store, proposal)
	if e != nil {
		return RuleInputLookup, e.Error()
	}
	if e = contract.VerifyTransition(proposal, input); e != nil {
		return ledger.RuleOf(e), e.Error()
	}

	initiator, known := responder.Directory.ByName(session.Counterparty().Name)
	if !known || len(initiator.Key) == 0 {
		return RuleInitiatorSignature, fmt.Sprintf("initiator %s is not in the directory", session.Counterparty().Name)
	}
	if !proposal.RequiresSigner(initiator.Key) {
		return RuleInitiatorSignature, "initiator is not a signer of the proposal"
	}
	if !message.Signatures.Has(initiator.Key) {
		return RuleInitiatorSignature, "initiator signature missing"
	}
	if e = message.Signatures.Verify(proposal.Hash()); e != nil {
		return RuleInitiatorSignature, e.Error()
	}

	if !proposal.RequiresSigner(responder.Keys.PublicKey()) {
		return RuleNotSigner, fmt.Sprintf("%s is not a required signer", responder.Identity.Name)
	}

	notary, known := responder.Directory.ByKey(proposal.Notary.Key)
	if !known || notary.Role != ledger.RoleNotary {
		return RuleUnknownNotary, fmt.Sprintf("notary %s is not known", proposal.Notary.Name)
	}

	return "", ""
}

func (responder *Responder) reject(ctx context.Context, session network.Session, rule, reason string) {
	if e := session.Send(ctx, network.Message{Kind: network.MsgRejection, Rule: rule, Reason: reason}); e != nil {
		logger.Debugf("%s could not deliver rejection to %s: %v", responder.Identity.Name, session.Counterparty().Name, e)
	}
}

func (responder *Responder) awaitFinality(ctx context.Context, session network.Session, signed string) {
	message, e := session.Receive(ctx)
	if e != nil {
		// the initiator aborted or will redeliver after recovery
		logger.Debugf("%s: no finalized transaction for %s: %v", responder.Identity.Name, signed, e)
		return
	}
	if message.Kind != network.MsgFinalized {
		responder.acknowledge(ctx, session, fmt.Errorf("expected finalized transaction, got %s", message.Kind))
		return
	}
	responder.record(ctx, session, message, signed)
}

// record verifies a finalized transaction and writes it to the store.
// When expected is set the transaction must be the one this node signed.
func (responder *Responder) record(ctx context.Context, session network.Session, message network.Message, expected string) {

	if message.Transaction == nil {
		responder.acknowledge(ctx, session, fmt.Errorf("finalized transaction missing"))
		return
	}
	tx := *message.Transaction

	if expected != "" && tx.ID() != expected {
		responder.acknowledge(ctx, session, fmt.Errorf("finalized %s, signed %s", tx.ID(), expected))
		return
	}
	if !tx.Proposal.RequiresSigner(responder.Keys.PublicKey()) {
		responder.acknowledge(ctx, session, fmt.Errorf("%s is not a participant", responder.Identity.Name))
		return
	}
	notary, known := responder.Directory.ByKey(tx.Proposal.Notary.Key)
	if !known || notary.Role != ledger.RoleNotary {
		responder.acknowledge(ctx, session, fmt.Errorf("notary %s is not known", tx.Proposal.Notary.Name))
		return
	}
	if e := tx.Verify(notary.Key); e != nil {
		responder.acknowledge(ctx, session, e)
		return
	}

	if e := responder.Store.Write(ctx, tx); e != nil {
		responder.acknowledge(ctx, session, ledger.PersistenceError(responder.Identity.Name, e))
		return
	}
	logger.Infof("%s recorded %s", responder.Identity.Name, tx.ID())

	responder.acknowledge(ctx, session, nil)
}

func (responder *Responder) acknowledge(ctx context.Context, session network.Session, failure error) {
	ack := network.Message{Kind: network.MsgAck}
	if failure != nil {
		ack.Error = failure.Error()
		logger.Warningf("%s refused finalized transaction from %s: %v", responder.Identity.Name, session.Counterparty().Name, failure)
	}
	if e := session.Send(ctx, ack); e != nil {
		logger.Debugf("%s could not acknowledge %s: %v", responder.Identity.Name, session.Counterparty().Name, e)
	}
}

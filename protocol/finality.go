package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/dbogatov/car-ledger/vault"
)

// DeliveryFailure is a participant that did not acknowledge the finalized transaction.
type DeliveryFailure struct {
	Party string
	Err   error
}

// FinalityResult ...
type FinalityResult struct {
	Transaction ledger.FinalizedTransaction
	Undelivered []DeliveryFailure
}

// Finality obtains the arbiter's certificate and distributes the result.
type Finality struct {
	me        ledger.Identity
	transport network.Transport
	store     vault.Store
}

// MakeFinality ...
func MakeFinality(me ledger.Identity, transport network.Transport, store vault.Store) *Finality {
	return &Finality{me: me, transport: transport, store: store}
}

// Finalize certifies the proposal, records it locally and broadcasts it.
func (finality *Finality) Finalize(
	ctx context.Context,
	instanceID string,
	proposal ledger.TransactionProposal,
	signatures ledger.SignaturePackage,
	sessions []network.Session,
) (result FinalityResult, e error) {

	tx, e := finality.Certify(ctx, instanceID, proposal, signatures)
	if e != nil {
		return FinalityResult{}, e
	}
	return finality.Commit(ctx, instanceID, tx, sessions)
}

// Certify asks the proposal's notary for a certificate. The round trip is made
// even when nothing is consumed.
func (finality *Finality) Certify(
	ctx context.Context,
	instanceID string,
	proposal ledger.TransactionProposal,
	signatures ledger.SignaturePackage,
) (tx ledger.FinalizedTransaction, e error) {

	notary := proposal.Notary

	session, e := finality.transport.Open(ctx, notary, instanceID)
	if e != nil {
		return ledger.FinalizedTransaction{}, ledger.ArbiterUnavailable(notary.Name, e)
	}
	defer session.Close()

	offered := signatures.Clone()
	if e = session.Send(ctx, network.Message{Kind: network.MsgCertify, Proposal: &proposal, Signatures: &offered}); e != nil {
		return ledger.FinalizedTransaction{}, ledger.ArbiterUnavailable(notary.Name, e)
	}
	reply, e := session.Receive(ctx)
	if e != nil {
		return ledger.FinalizedTransaction{}, ledger.ArbiterUnavailable(notary.Name, e)
	}

	switch reply.Kind {
	case network.MsgCertificate:
		if reply.Certificate == nil {
			return ledger.FinalizedTransaction{}, ledger.ArbiterUnavailable(notary.Name, errors.New("empty certificate"))
		}
		tx = ledger.FinalizedTransaction{
			Proposal:    proposal,
			Signatures:  signatures.Clone(),
			Certificate: *reply.Certificate,
		}
		if e = tx.Verify(notary.Key); e != nil {
			return ledger.FinalizedTransaction{}, ledger.ArbiterUnavailable(notary.Name, e)
		}
		logger.Debugf("%s: %s certified %s", finality.me.Name, notary.Name, tx.ID())
		return tx, nil
	case network.MsgConflict:
		return ledger.FinalizedTransaction{}, ledger.UniquenessConflict(reply.Refs)
	case network.MsgUnavailable:
		return ledger.FinalizedTransaction{}, ledger.ArbiterUnavailable(notary.Name, errors.New(reply.Reason))
	case network.MsgRejection:
		return ledger.FinalizedTransaction{}, ledger.CounterpartyRejected(notary.Name, reply.Rule, reply.Reason)
	default:
		return ledger.FinalizedTransaction{}, ledger.ArbiterUnavailable(notary.Name, fmt.Errorf("unexpected %s message", reply.Kind))
	}
}

// Commit writes tx locally, then delivers it to every other participant,
// reusing live sessions and opening new ones where there are none.
// Delivery failures are reported, never rolled back.
func (finality *Finality) Commit(
	ctx context.Context,
	instanceID string,
	tx ledger.FinalizedTransaction,
	sessions []network.Session,
) (result FinalityResult, e error) {

	if e = finality.store.Write(ctx, tx); e != nil {
		return FinalityResult{}, ledger.PersistenceError(finality.me.Name, e)
	}

	live := make(map[string]network.Session, len(sessions))
	for _, session := range sessions {
		live[session.Counterparty().Name] = session
	}

	var recipients []ledger.Identity
	for _, participant := range tx.Proposal.Participants() {
		if !participant.Same(finality.me) {
			recipients = append(recipients, participant)
		}
	}

	failures := make([]error, len(recipients))
	var wg sync.WaitGroup
	for i, recipient := range recipients {
		wg.Add(1)
		go func(i int, recipient ledger.Identity) {
			defer wg.Done()
			failures[i] = finality.deliver(ctx, instanceID, recipient, live[recipient.Name], tx)
		}(i, recipient)
	}
	wg.Wait()

	result.Transaction = tx
	for i, failure := range failures {
		if failure != nil {
			logger.Warningf("%s: %s was not delivered to %s: %v", finality.me.Name, tx.ID(), recipients[i].Name, failure)
			result.Undelivered = append(result.Undelivered, DeliveryFailure{Party: recipients[i].Name, Err: failure})
		}
	}

	return
}

func (finality *Finality) deliver(ctx context.Context, instanceID string, to ledger.Identity, session network.Session, tx ledger.FinalizedTransaction) (e error) {

	if session == nil {
		if session, e = finality.transport.Open(ctx, to, instanceID); e != nil {
			return ledger.TransportError(to.Name, e)
		}
	}
	defer session.Close()

	if e = session.Send(ctx, network.Message{Kind: network.MsgFinalized, Transaction: &tx}); e != nil {
		return ledger.TransportError(to.Name, e)
	}
	ack, e := session.Receive(ctx)
	if e != nil {
		return ledger.TransportError(to.Name, e)
	}
	if ack.Kind != network.MsgAck {
		return ledger.TransportError(to.Name, fmt.Errorf("unexpected %s message", ack.Kind))
	}
	if ack.Error != "" {
		return fmt.Errorf("%s refused: %s", to.Name, ack.Error)
	}
	return nil
}

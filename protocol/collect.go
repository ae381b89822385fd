package protocol

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"golang.org/x/sync/errgroup"
)

// Collect sends the proposal with the initiator's signatures to every other
// participant at once and gathers their signatures.
//
// The first rejection or failure cancels the remaining exchanges, closes every
// session and discards what was gathered. On success the returned package is
// signed by exactly the required signers and the sessions stay open for the
// finality broadcast.
func Collect(
	ctx context.Context,
	transport network.Transport,
	me ledger.Identity,
	instanceID string,
	proposal ledger.TransactionProposal,
	initial ledger.SignaturePackage,
) (signatures ledger.SignaturePackage, sessions []network.Session, e error) {

	var counterparties []ledger.Identity
	for _, participant := range proposal.Participants() {
		if !participant.Same(me) {
			counterparties = append(counterparties, participant)
		}
	}

	hash := proposal.Hash()
	collected := initial.Clone()
	opened := make([]network.Session, len(counterparties))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for i, counterparty := range counterparties {
		i, counterparty := i, counterparty
		group.Go(func() error {
			session, e := transport.Open(groupCtx, counterparty, instanceID)
			if e != nil {
				return ledger.TransportError(counterparty.Name, e)
			}
			mu.Lock()
			opened[i] = session
			mu.Unlock()

			offered := initial.Clone()
			if e = session.Send(groupCtx, network.Message{Kind: network.MsgProposal, Proposal: &proposal, Signatures: &offered}); e != nil {
				return ledger.TransportError(counterparty.Name, e)
			}
			logger.Debugf("%s sent proposal %s to %s", me.Name, instanceID, counterparty.Name)

			reply, e := session.Receive(groupCtx)
			if e != nil {
				return ledger.TransportError(counterparty.Name, e)
			}

			switch reply.Kind {
			case network.MsgSignature:
				if reply.Signature == nil || !bytes.Equal(reply.Signature.By, counterparty.Key) {
					return ledger.TransportError(counterparty.Name, fmt.Errorf("signature is not by %s", counterparty.Name))
				}
				mu.Lock()
				defer mu.Unlock()
				if e = collected.Add(hash, *reply.Signature); e != nil {
					return ledger.TransportError(counterparty.Name, e)
				}
				logger.Debugf("%s received signature of %s", me.Name, counterparty.Name)
				return nil
			case network.MsgRejection:
				return ledger.CounterpartyRejected(counterparty.Name, reply.Rule, reply.Reason)
			default:
				return ledger.TransportError(counterparty.Name, fmt.Errorf("unexpected %s message", reply.Kind))
			}
		})
	}

	if e = group.Wait(); e != nil {
		mu.Lock()
		defer mu.Unlock()
		for _, session := range opened {
			if session != nil {
				session.Close()
			}
		}
		return ledger.SignaturePackage{}, nil, e
	}

	if missing := collected.Missing(proposal.Command.Signers); len(missing) > 0 {
		for _, session := range opened {
			session.Close()
		}
		return ledger.SignaturePackage{}, nil, ledger.TransportError(me.Name, fmt.Errorf("%d required signature(s) missing after collection", len(missing)))
	}

	return collected, opened, nil
}

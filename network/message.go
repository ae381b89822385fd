// Package network carries protocol messages between nodes over sessions:
// ordered, point-to-point conversations scoped to one protocol instance.
package network

import (
	"context"
	"errors"

	"github.com/dbogatov/car-ledger/ledger"
)

// Kind tags a Message.
type Kind string

const (
	MsgProposal    Kind = "proposal"    // proposal plus initiator signatures
	MsgSignature   Kind = "signature"   // counterparty signature
	MsgRejection   Kind = "rejection"   // counterparty refused to sign
	MsgFinalized   Kind = "finalized"   // certified transaction to record
	MsgAck         Kind = "ack"         // recorded, or Error set
	MsgCertify     Kind = "certify"     // request to the arbiter
	MsgCertificate Kind = "certificate" // arbiter success
	MsgConflict    Kind = "conflict"    // arbiter found consumed inputs
	MsgUnavailable Kind = "unavailable" // arbiter could not take the request, retry later
)

// Message is the unit exchanged on a session. Only the fields of its Kind are set.
type Message struct {
	Kind Kind

	Proposal    *ledger.TransactionProposal
	Signatures  *ledger.SignaturePackage
	Signature   *ledger.Signature
	Transaction *ledger.FinalizedTransaction
	Certificate *ledger.Certificate

	Rule   string
	Reason string
	Refs   []ledger.StateRef
	Error  string
}

// Session is one conversation with a counterparty.
// Messages arrive in the order they were sent.
type Session interface {
	Counterparty() ledger.Identity
	Instance() string
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Transport opens sessions to other identities.
type Transport interface {
	Open(ctx context.Context, to ledger.Identity, instanceID string) (Session, error)
}

// Handler serves the accepting side of a session.
type Handler interface {
	Handle(ctx context.Context, session Session)
}

var (
	// ErrSessionClosed ...
	ErrSessionClosed = errors.New("session closed")
	// ErrUnreachable ...
	ErrUnreachable = errors.New("counterparty unreachable")
)

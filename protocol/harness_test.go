package protocol

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbogatov/car-ledger/arbiter"
	"github.com/dbogatov/car-ledger/directory"
	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/dbogatov/car-ledger/vault"
)

const testTimeout = 5 * time.Second

var scenarioFields = ledger.CarFields{
	VIN:                "1HGCM82633A004352",
	LicensePlateNumber: "ABC-123",
	Make:               "Acme",
	Model:              "X1",
	DealershipLocation: "Plant-7",
}

type node struct {
	party     Party
	store     *vault.MemoryStore
	initiator *Initiator
	responder *Responder
}

type testNetwork struct {
	ctx       context.Context
	net       *network.MemoryNetwork
	directory *directory.Directory
	arbiter   *arbiter.Arbiter
	nodes     map[string]*node
}

func makeTestNetwork(t *testing.T) *testNetwork {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tn := &testNetwork{
		ctx:       ctx,
		net:       network.MakeMemoryNetwork(),
		directory: directory.MakeDirectory(),
		nodes:     make(map[string]*node),
	}

	tn.arbiter = arbiter.MakeArbiter(ledger.Identity{Name: "Notary", Role: ledger.RoleNotary}, ledger.GenerateKeys(), 4)
	tn.directory.Add(tn.arbiter.Identity())
	tn.net.Attach(ctx, "Notary", tn.arbiter)

	tn.addNode("ACME-Manufacturer", ledger.RoleManufacturer)
	tn.addNode("First-Bank", ledger.RoleBank)
	tn.addNode("City-Dealer", ledger.RoleDealer)

	return tn
}

func (tn *testNetwork) addNode(name string, role ledger.Role) *node {
	keys := ledger.GenerateKeys()
	identity := ledger.Identity{Name: name, Role: role, Key: keys.PublicKey()}
	tn.directory.Add(identity)

	store := vault.MakeMemoryStore()
	party := Party{
		Identity:  identity,
		Keys:      keys,
		Directory: tn.directory,
		Transport: tn.net.Endpoint(identity),
		Store:     store,
	}
	n := &node{
		party:     party,
		store:     store,
		initiator: MakeInitiator(party, MakeCheckpoints(store), testTimeout, nil),
		responder: MakeResponder(party, 2, testTimeout, nil),
	}
	tn.nodes[name] = n
	tn.net.Attach(tn.ctx, name, n.responder)

	return n
}

// restart replaces the initiator of a node, keeping only what was persisted.
func (tn *testNetwork) restart(name string, party Party) *Initiator {
	n := tn.nodes[name]
	n.initiator = MakeInitiator(party, MakeCheckpoints(n.store), testTimeout, nil)
	return n.initiator
}

func (tn *testNetwork) issue(t *testing.T) Result {
	t.Helper()

	result, err := tn.nodes["ACME-Manufacturer"].initiator.Issue(tn.ctx, scenarioFields)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if result.State != StateCommitted {
		t.Fatalf("state = %s, want %s", result.State, StateCommitted)
	}
	return result
}

func (tn *testNetwork) recordedEverywhere(t *testing.T, txID string) {
	t.Helper()

	for name, n := range tn.nodes {
		if _, found, err := n.store.Transaction(tn.ctx, txID); err != nil || !found {
			t.Fatalf("%s: transaction %s found = %v, err = %v", name, txID, found, err)
		}
	}
}

type countingTransport struct {
	network.Transport
	opened int32
}

func (transport *countingTransport) Open(ctx context.Context, to ledger.Identity, instanceID string) (network.Session, error) {
	atomic.AddInt32(&transport.opened, 1)
	return transport.Transport.Open(ctx, to, instanceID)
}

type flakyStore struct {
	*vault.MemoryStore
	failures int32
}

func (store *flakyStore) Write(ctx context.Context, tx ledger.FinalizedTransaction) error {
	if atomic.AddInt32(&store.failures, -1) >= 0 {
		return errors.New("disk full")
	}
	return store.MemoryStore.Write(ctx, tx)
}

// rejecting refuses every proposal with a fixed rule, once after is closed.
type rejecting struct {
	rule  string
	after <-chan struct{}
}

func (handler rejecting) Handle(ctx context.Context, session network.Session) {
	defer session.Close()
	if _, err := session.Receive(ctx); err != nil {
		return
	}
	if handler.after != nil {
		<-handler.after
	}
	_ = session.Send(ctx, network.Message{Kind: network.MsgRejection, Rule: handler.rule, Reason: "not today"})
}

// stalling takes the proposal and never answers; it reports when the
// proposal arrived and when the initiator gave up on the session.
type stalling struct {
	received  chan struct{}
	abandoned chan struct{}
}

func (handler stalling) Handle(ctx context.Context, session network.Session) {
	if _, err := session.Receive(ctx); err != nil {
		return
	}
	close(handler.received)
	if _, err := session.Receive(ctx); err != nil {
		close(handler.abandoned)
	}
}

// signThenDrop countersigns like a responder and then hangs up.
type signThenDrop struct{ responder *Responder }

func (handler signThenDrop) Handle(ctx context.Context, session network.Session) {
	defer session.Close()
	message, err := session.Receive(ctx)
	if err != nil || message.Kind != network.MsgProposal {
		return
	}
	handler.responder.answer(ctx, session, message)
}

// forging answers with a signature made by a key other than its own.
type forging struct{}

func (forging) Handle(ctx context.Context, session network.Session) {
	defer session.Close()
	message, err := session.Receive(ctx)
	if err != nil || message.Proposal == nil {
		return
	}
	other := ledger.GenerateKeys()
	hash := message.Proposal.Hash()
	signature := ledger.Signature{By: other.PublicKey(), Bytes: other.Sign(hash)}
	_ = session.Send(ctx, network.Message{Kind: network.MsgSignature, Signature: &signature})
}

// busy answers every certification request as the arbiter does when it has no capacity.
type busy struct{}

func (busy) Handle(ctx context.Context, session network.Session) {
	defer session.Close()
	if _, err := session.Receive(ctx); err != nil {
		return
	}
	_ = session.Send(ctx, network.Message{Kind: network.MsgUnavailable, Reason: "no capacity"})
}

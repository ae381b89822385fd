package simulator

import (
	"context"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/dbogatov/car-ledger/protocol"
	"github.com/dbogatov/car-ledger/vault"
	"golang.org/x/sync/semaphore"
)

// sessionsPerNode bounds the sessions a node serves at once.
const sessionsPerNode = 64

// Node is one member of the simulated network.
// Infrastructure nodes have no store and no initiator.
type Node struct {
	identity  ledger.Identity
	party     protocol.Party
	store     *vault.MemoryStore
	initiator *protocol.Initiator

	ctx  context.Context
	exec *ExecutionParameters

	handler          network.Handler
	sessionSemaphore *semaphore.Weighted

	sessionChannel chan network.Session
	exitChannel    chan bool
}

// MakeNode registers a node serving sessions with handler and starts its loop.
func (exec *ExecutionParameters) MakeNode(identity ledger.Identity, keys *ledger.KeysHolder, store *vault.MemoryStore, handler func(protocol.Party) network.Handler) (node *Node) {

	node = &Node{
		identity:         identity,
		store:            store,
		ctx:              exec.ctx,
		exec:             exec,
		sessionSemaphore: semaphore.NewWeighted(sessionsPerNode),
		sessionChannel:   make(chan network.Session),
		exitChannel:      make(chan bool),
	}
	node.party = protocol.Party{
		Identity:  identity,
		Keys:      keys,
		Directory: exec.directory,
		Transport: &recordingTransport{
			transport: exec.network.Endpoint(identity),
			self:      identity.Name,
			exec:      exec,
		},
	}
	if store != nil {
		node.party.Store = store
	}
	node.handler = handler(node.party)

	exec.network.Register(identity.Name, node.sessionChannel)
	exec.nodes[identity.Name] = node

	go node.run()

	return
}

func (node *Node) run() {
	for {
		select {
		case session := <-node.sessionChannel:
			if e := node.sessionSemaphore.Acquire(node.ctx, 1); e != nil {
				session.Close()
				continue
			}
			go node.serve(node.exec.recorded(node.identity.Name, session))
			continue
		case <-node.exitChannel:
		}
		break
	}
}

func (node *Node) serve(session network.Session) {
	defer node.sessionSemaphore.Release(1)

	node.handler.Handle(node.ctx, session)
}

func (node *Node) stop() {
	close(node.exitChannel)
}

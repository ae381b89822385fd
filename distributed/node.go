package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dbogatov/car-ledger/arbiter"
	"github.com/dbogatov/car-ledger/directory"
	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
)

// sessionLinger is how long a finished session stays readable by its opener.
const sessionLinger = time.Minute

// RPCNode accepts sessions on behalf of a handler.
type RPCNode struct {
	identity  ledger.Identity
	directory *directory.Directory
	handler   network.Handler
	ctx       context.Context

	mu       sync.Mutex
	sessions map[string]network.Session
}

// MakeRPCNode ...
func MakeRPCNode(ctx context.Context, identity ledger.Identity, directory *directory.Directory, handler network.Handler) (node *RPCNode) {

	node = &RPCNode{
		identity:  identity,
		directory: directory,
		handler:   handler,
		ctx:       ctx,
		sessions:  make(map[string]network.Session),
	}

	return
}

// MakeRPCArbiter exposes an arbiter as a node.
func MakeRPCArbiter(ctx context.Context, notary *arbiter.Arbiter, directory *directory.Directory) *RPCNode {
	return MakeRPCNode(ctx, notary.Identity(), directory, notary)
}

// GetIdentity ...
func (node *RPCNode) GetIdentity(args *int, reply *Identity) (e error) {

	*reply = Identity{
		Name: node.identity.Name,
		Role: node.identity.Role,
		Key:  node.identity.Key,
	}

	logger.Debug("Identity requested")

	return
}

// Open starts a session from a known party and hands it to the handler.
func (node *RPCNode) Open(args *OpenArgs, reply *bool) (e error) {

	from, known := node.directory.ByName(args.From)
	if !known {
		return fmt.Errorf("unknown party %s", args.From)
	}

	proxy, served := network.Pipe(from, node.identity, args.Instance)

	node.mu.Lock()
	if _, exists := node.sessions[args.SessionID]; exists {
		node.mu.Unlock()
		return fmt.Errorf("session %s already open", args.SessionID)
	}
	node.sessions[args.SessionID] = proxy
	node.mu.Unlock()

	logger.Debugf("%s accepted session %s from %s", node.identity.Name, args.SessionID, from.Name)

	go func() {
		node.handler.Handle(node.ctx, served)
		time.AfterFunc(sessionLinger, func() { node.forget(args.SessionID) })
	}()

	*reply = true

	return
}

// Send ...
func (node *RPCNode) Send(args *Envelope, reply *bool) (e error) {

	session, e := node.session(args.SessionID)
	if e != nil {
		return
	}

	if e = session.Send(node.ctx, args.Message); e != nil {
		return
	}

	*reply = true

	return
}

// Receive waits for the next message the handler sends.
func (node *RPCNode) Receive(args *ReceiveArgs, reply *network.Message) (e error) {

	session, e := node.session(args.SessionID)
	if e != nil {
		return
	}

	timeout := args.Timeout
	if timeout <= 0 {
		timeout = defaultReceiveTimeout
	}
	ctx, cancel := context.WithTimeout(node.ctx, timeout)
	defer cancel()

	message, e := session.Receive(ctx)
	if e != nil {
		return
	}

	*reply = message

	return
}

// Close ...
func (node *RPCNode) Close(args *SessionArgs, reply *bool) (e error) {

	if session, e := node.session(args.SessionID); e == nil {
		session.Close()
	}
	node.forget(args.SessionID)

	*reply = true

	return
}

func (node *RPCNode) session(id string) (network.Session, error) {
	node.mu.Lock()
	defer node.mu.Unlock()

	session, exists := node.sessions[id]
	if !exists {
		return nil, network.ErrSessionClosed
	}
	return session, nil
}

func (node *RPCNode) forget(id string) {
	node.mu.Lock()
	defer node.mu.Unlock()

	delete(node.sessions, id)
}

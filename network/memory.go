package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/dbogatov/car-ledger/ledger"
)

// MemoryNetwork connects nodes living in one process.
// Every node owns an inbox on which it accepts new sessions.
type MemoryNetwork struct {
	mu      sync.RWMutex
	inboxes map[string]chan<- Session
	down    map[string]bool
}

// MakeMemoryNetwork ...
func MakeMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		inboxes: make(map[string]chan<- Session),
		down:    make(map[string]bool),
	}
}

// Register routes sessions opened to name into inbox.
func (net *MemoryNetwork) Register(name string, inbox chan<- Session) {
	net.mu.Lock()
	defer net.mu.Unlock()

	net.inboxes[name] = inbox
}

// Attach registers name and serves every accepted session with handler on
// its own goroutine until ctx is done.
func (net *MemoryNetwork) Attach(ctx context.Context, name string, handler Handler) {
	inbox := make(chan Session)
	net.Register(name, inbox)

	go func() {
		for {
			select {
			case session := <-inbox:
				go handler.Handle(ctx, session)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SetDown makes name unreachable (or reachable again).
func (net *MemoryNetwork) SetDown(name string, down bool) {
	net.mu.Lock()
	defer net.mu.Unlock()

	net.down[name] = down
}

// Endpoint is the transport a node with identity self uses.
func (net *MemoryNetwork) Endpoint(self ledger.Identity) Transport {
	return &memoryTransport{network: net, self: self}
}

type memoryTransport struct {
	network *MemoryNetwork
	self    ledger.Identity
}

func (transport *memoryTransport) Open(ctx context.Context, to ledger.Identity, instanceID string) (Session, error) {
	transport.network.mu.RLock()
	inbox, registered := transport.network.inboxes[to.Name]
	down := transport.network.down[to.Name]
	transport.network.mu.RUnlock()

	if !registered || down {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to.Name)
	}

	local, remote := Pipe(transport.self, to, instanceID)
	select {
	case inbox <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

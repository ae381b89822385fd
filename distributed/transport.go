package distributed

import (
	"context"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/google/uuid"
)

// AddressBook knows where nodes listen. Addresses are never part of ledger
// state, so identities read back from checkpoints or the vault carry none.
type AddressBook interface {
	ByName(name string) (ledger.Identity, bool)
}

// RPCTransport opens sessions on remote nodes at their directory address.
type RPCTransport struct {
	self ledger.Identity
	book AddressBook
}

// MakeRPCTransport returns a transport that looks addresses up in book.
// A nil book leaves only the address the identity carries.
func MakeRPCTransport(self ledger.Identity, book AddressBook) *RPCTransport {
	return &RPCTransport{self: self, book: book}
}

func (transport *RPCTransport) address(to ledger.Identity) string {
	if transport.book != nil {
		if known, found := transport.book.ByName(to.Name); found && known.Address != "" {
			return known.Address
		}
	}
	return to.Address
}

// Open ...
func (transport *RPCTransport) Open(ctx context.Context, to ledger.Identity, instanceID string) (network.Session, error) {

	address := transport.address(to)
	if address == "" {
		return nil, fmt.Errorf("%w: %s has no address", network.ErrUnreachable, to.Name)
	}

	client, e := rpc.DialHTTP("tcp", address)
	if e != nil {
		return nil, fmt.Errorf("%w: %s: %v", network.ErrUnreachable, to.Name, e)
	}

	session := &rpcSession{
		client:       client,
		id:           uuid.NewString(),
		counterparty: to,
		instance:     instanceID,
	}

	args := &OpenArgs{SessionID: session.id, Instance: instanceID, From: transport.self.Name}
	if e = session.call(ctx, "Open", args, new(bool)); e != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %v", network.ErrUnreachable, to.Name, e)
	}

	logger.Debugf("%s opened session %s on %s", transport.self.Name, session.id, to.Name)

	return session, nil
}

type rpcSession struct {
	client       *rpc.Client
	id           string
	counterparty ledger.Identity
	instance     string

	once sync.Once
}

func (session *rpcSession) call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	call := session.client.Go(serviceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		return translate(call.Error)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (session *rpcSession) Counterparty() ledger.Identity {
	return session.counterparty
}

func (session *rpcSession) Instance() string {
	return session.instance
}

func (session *rpcSession) Send(ctx context.Context, message network.Message) error {
	return session.call(ctx, "Send", &Envelope{SessionID: session.id, Message: message}, new(bool))
}

func (session *rpcSession) Receive(ctx context.Context) (network.Message, error) {
	args := &ReceiveArgs{SessionID: session.id}
	if deadline, ok := ctx.Deadline(); ok {
		args.Timeout = time.Until(deadline)
	}

	reply := new(network.Message)
	if e := session.call(ctx, "Receive", args, reply); e != nil {
		return network.Message{}, e
	}
	return *reply, nil
}

func (session *rpcSession) Close() error {
	session.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if e := session.call(ctx, "Close", &SessionArgs{SessionID: session.id}, new(bool)); e != nil {
			logger.Debugf("closing session %s on %s: %v", session.id, session.counterparty.Name, e)
		}
		session.client.Close()
	})
	return nil
}

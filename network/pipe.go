package network

import (
	"context"
	"sync"

	"github.com/dbogatov/car-ledger/ledger"
)

const pipeBuffer = 4

// pipeEnd is one side of an in-process session.
type pipeEnd struct {
	counterparty ledger.Identity
	instance     string

	in  <-chan Message
	out chan<- Message

	closed chan struct{}
	once   *sync.Once
}

// Pipe returns the two ends of a session between a and b.
// The first end is held by a and talks to b.
func Pipe(a, b ledger.Identity, instance string) (Session, Session) {
	aToB := make(chan Message, pipeBuffer)
	bToA := make(chan Message, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}

	return &pipeEnd{
			counterparty: b,
			instance:     instance,
			in:           bToA,
			out:          aToB,
			closed:       closed,
			once:         once,
		}, &pipeEnd{
			counterparty: a,
			instance:     instance,
			in:           aToB,
			out:          bToA,
			closed:       closed,
			once:         once,
		}
}

func (end *pipeEnd) Counterparty() ledger.Identity {
	return end.counterparty
}

func (end *pipeEnd) Instance() string {
	return end.instance
}

func (end *pipeEnd) Send(ctx context.Context, message Message) error {
	select {
	case <-end.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case end.out <- message:
		return nil
	case <-end.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive drains messages sent before Close before reporting the session closed.
func (end *pipeEnd) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-end.in:
		return message, nil
	case <-end.closed:
		select {
		case message := <-end.in:
			return message, nil
		default:
			return Message{}, ErrSessionClosed
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (end *pipeEnd) Close() error {
	end.once.Do(func() { close(end.closed) })
	return nil
}

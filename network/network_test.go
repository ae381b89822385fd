package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dbogatov/car-ledger/ledger"
)

var (
	alice = ledger.Identity{Name: "ACME-Manufacturer", Role: ledger.RoleManufacturer}
	bob   = ledger.Identity{Name: "First-Bank", Role: ledger.RoleBank}
)

type echo struct{}

func (echo) Handle(ctx context.Context, session Session) {
	defer session.Close()
	for {
		message, err := session.Receive(ctx)
		if err != nil {
			return
		}
		message.Reason = "echo:" + message.Reason
		if err := session.Send(ctx, message); err != nil {
			return
		}
	}
}

func TestPipeKeepsOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := Pipe(alice, bob, "instance-1")

	if a.Counterparty().Name != bob.Name || b.Counterparty().Name != alice.Name {
		t.Fatal("pipe ends must face each other")
	}
	if a.Instance() != "instance-1" {
		t.Fatalf("instance = %q, want %q", a.Instance(), "instance-1")
	}

	for _, reason := range []string{"one", "two", "three"} {
		if err := a.Send(ctx, Message{Kind: MsgAck, Reason: reason}); err != nil {
			t.Fatalf("send %s: %v", reason, err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if got.Reason != want {
			t.Fatalf("reason = %q, want %q", got.Reason, want)
		}
	}
}

func TestCloseDeliversPendingThenFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := Pipe(alice, bob, "instance-2")

	if err := b.Send(ctx, Message{Kind: MsgRejection, Rule: "state.fields"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("receive pending: %v", err)
	}
	if got.Kind != MsgRejection {
		t.Fatalf("kind = %q, want %q", got.Kind, MsgRejection)
	}
	if _, err := a.Receive(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
	if err := a.Send(ctx, Message{Kind: MsgAck}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close: err = %v, want ErrSessionClosed", err)
	}
}

func TestReceiveHonoursContext(t *testing.T) {
	t.Parallel()

	a, _ := Pipe(alice, bob, "instance-3")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := a.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestMemoryNetworkRoutesSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := MakeMemoryNetwork()
	net.Attach(ctx, bob.Name, echo{})

	session, err := net.Endpoint(alice).Open(ctx, bob, "instance-4")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer session.Close()

	if err := session.Send(ctx, Message{Kind: MsgAck, Reason: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := session.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if reply.Reason != "echo:hi" {
		t.Fatalf("reason = %q, want %q", reply.Reason, "echo:hi")
	}
}

func TestMemoryNetworkUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net := MakeMemoryNetwork()
	endpoint := net.Endpoint(alice)

	if _, err := endpoint.Open(ctx, bob, "instance-5"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("unregistered: err = %v, want ErrUnreachable", err)
	}

	net.Attach(ctx, bob.Name, echo{})
	net.SetDown(bob.Name, true)
	if _, err := endpoint.Open(ctx, bob, "instance-6"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("down: err = %v, want ErrUnreachable", err)
	}

	net.SetDown(bob.Name, false)
	session, err := endpoint.Open(ctx, bob, "instance-7")
	if err != nil {
		t.Fatalf("open after recovery: %v", err)
	}
	session.Close()
}

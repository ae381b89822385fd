package simulator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
)

// NetworkEvent is one message as written to the network log.
type NetworkEvent struct {
	From     string
	To       string
	Object   string
	Instance string
	Size     int
	At       string
	ID       uint64
}

// recordingTransport wraps the sessions a node opens so that their traffic is accounted.
type recordingTransport struct {
	transport network.Transport
	self      string
	exec      *ExecutionParameters
}

func (transport *recordingTransport) Open(ctx context.Context, to ledger.Identity, instanceID string) (network.Session, error) {
	session, e := transport.transport.Open(ctx, to, instanceID)
	if e != nil {
		return nil, e
	}
	return transport.exec.recorded(transport.self, session), nil
}

type recordingSession struct {
	network.Session
	self string
	exec *ExecutionParameters
}

func (exec *ExecutionParameters) recorded(self string, session network.Session) network.Session {
	return &recordingSession{Session: session, self: self, exec: exec}
}

func (session *recordingSession) Send(ctx context.Context, message network.Message) error {
	if e := session.Session.Send(ctx, message); e != nil {
		return e
	}
	session.exec.recordBandwidth(session.self, session.Counterparty().Name, session.Instance(), message)
	return nil
}

func (exec *ExecutionParameters) recordBandwidth(from, to, instance string, message network.Message) {

	size := 0
	if raw, e := json.Marshal(message); e == nil {
		size = len(raw)
	}

	for _, event := range cryptoEventsOf(message) {
		exec.recordCryptoEvent(event)
	}

	exec.lock.Lock()
	defer exec.lock.Unlock()

	exec.report.Messages++
	exec.report.Bytes += size

	event, e := json.Marshal(NetworkEvent{
		From:     from,
		To:       to,
		Object:   string(message.Kind),
		Instance: instance,
		Size:     size,
		At:       time.Now().Format(time.RFC3339Nano),
		ID:       exec.networkEventID,
	})
	if e != nil {
		logger.Warningf("could not encode network event: %v", e)
		return
	}
	log.Printf("%s,\n", string(event))

	logger.Debugf("%s sent %d bytes of %s to %s\n", from, size, message.Kind, to)

	exec.networkEventID++
}

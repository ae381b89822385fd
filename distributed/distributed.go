// Package distributed runs ledger nodes as separate processes talking net/rpc
// over HTTP. Sessions are kept on the accepting node and driven by the
// opening node through Open, Send, Receive and Close calls.
package distributed

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"time"

	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/op/go-logging"
)

var logger = logging.MustGetLogger("distributed")

// SetLogger ...
func SetLogger(l *logging.Logger) {
	logger = l
}

// serviceName is what every node registers its RPCNode under.
const serviceName = "RPCNode"

// defaultReceiveTimeout bounds a Receive whose caller set no deadline.
const defaultReceiveTimeout = 5 * time.Minute

// Identity ...
type Identity struct {
	Name string
	Role ledger.Role
	Key  []byte
}

// OpenArgs ...
type OpenArgs struct {
	SessionID string
	Instance  string
	From      string
}

// SessionArgs ...
type SessionArgs struct {
	SessionID string
}

// ReceiveArgs ...
type ReceiveArgs struct {
	SessionID string
	Timeout   time.Duration
}

// Envelope carries one message of a session.
type Envelope struct {
	SessionID string
	Message   network.Message
}

// RPCServer serves one RPCNode over HTTP.
type RPCServer struct {
	listener net.Listener
	server   *http.Server
}

// Serve registers node and accepts calls on address until Close.
func Serve(node *RPCNode, address string) (rpcServer *RPCServer, e error) {

	server := rpc.NewServer()
	if e = server.RegisterName(serviceName, node); e != nil {
		return nil, fmt.Errorf("register rpc node: %w", e)
	}

	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, server)

	listener, e := net.Listen("tcp", address)
	if e != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, e)
	}

	rpcServer = &RPCServer{
		listener: listener,
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}

	go func() {
		if e := rpcServer.server.Serve(listener); e != nil && !errors.Is(e, http.ErrServerClosed) {
			logger.Errorf("rpc server on %s stopped: %v", address, e)
		}
	}()

	logger.Noticef("%s serving RPC on %s", node.identity.Name, listener.Addr())

	return
}

// Addr is the address the server actually listens on.
func (rpcServer *RPCServer) Addr() string {
	return rpcServer.listener.Addr().String()
}

// Close ...
func (rpcServer *RPCServer) Close() error {
	return rpcServer.server.Close()
}

// translate restores sentinel errors that net/rpc flattened to strings.
func translate(e error) error {
	var serverError rpc.ServerError
	if errors.As(e, &serverError) && string(serverError) == network.ErrSessionClosed.Error() {
		return network.ErrSessionClosed
	}
	if errors.Is(e, rpc.ErrShutdown) {
		return network.ErrSessionClosed
	}
	return e
}

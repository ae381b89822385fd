package distributed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/rpc"
	"time"

	"github.com/dbogatov/car-ledger/api"
	"github.com/dbogatov/car-ledger/arbiter"
	"github.com/dbogatov/car-ledger/directory"
	"github.com/dbogatov/car-ledger/helpers"
	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/dbogatov/car-ledger/protocol"
	"github.com/dbogatov/car-ledger/vault"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// retryDelay separates attempts to reach a node that is not up yet.
const retryDelay = 500 * time.Millisecond

// FetchKeys asks every other addressed node for its identity and records its key.
// It keeps retrying unreachable nodes until ctx is done.
func FetchKeys(ctx context.Context, dir *directory.Directory, self ledger.Identity) error {

	group, ctx := errgroup.WithContext(ctx)

	for _, identity := range dir.AllIdentities() {
		if identity.Name == self.Name || identity.Address == "" {
			continue
		}
		identity := identity

		group.Go(func() error {
			for {
				remote, e := getIdentity(ctx, identity.Address)
				if e == nil {
					if remote.Name != identity.Name || remote.Role != identity.Role {
						return fmt.Errorf("%s answers as %s (%s), directory lists %s (%s)", identity.Address, remote.Name, remote.Role, identity.Name, identity.Role)
					}
					logger.Infof("learned key of %s: %s", identity.Name, ledger.ShortKeyID(remote.Key))
					return dir.SetKey(identity.Name, remote.Key)
				}

				logger.Debugf("%s not reachable yet: %v", identity.Name, e)
				select {
				case <-time.After(retryDelay):
				case <-ctx.Done():
					return fmt.Errorf("fetch key of %s: %w", identity.Name, ctx.Err())
				}
			}
		})
	}

	return group.Wait()
}

func getIdentity(ctx context.Context, address string) (identity Identity, e error) {

	client, e := rpc.DialHTTP("tcp", address)
	if e != nil {
		return
	}
	defer client.Close()

	void := 0
	call := client.Go(serviceName+".GetIdentity", &void, &identity, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		e = call.Error
	case <-ctx.Done():
		e = ctx.Err()
	}

	return
}

// Run starts the node named in params and serves until ctx is done.
// Notaries serve the arbiter; other nodes serve the protocol over RPC and the API over HTTP.
func Run(ctx context.Context, params *helpers.SystemParameters) (e error) {

	if e = params.Validate(); e != nil {
		return
	}

	dir, e := directory.Load(params.DirectoryPath)
	if e != nil {
		return
	}
	self, known := dir.ByName(params.Name)
	if !known {
		return fmt.Errorf("%s is not in the directory", params.Name)
	}
	if params.Role != "" && ledger.Role(params.Role) != self.Role {
		return fmt.Errorf("%s is listed as %s, configured as %s", self.Name, self.Role, params.Role)
	}

	keys := ledger.GenerateKeys()
	self.Key = keys.PublicKey()
	if e = dir.SetKey(self.Name, self.Key); e != nil {
		return
	}

	registry := prometheus.NewRegistry()
	metrics := protocol.MakeMetrics(registry)

	var handler network.Handler
	var initiator *protocol.Initiator
	var store vault.Store

	switch self.Role {
	case ledger.RoleNotary:
		handler = arbiter.MakeArbiter(self, keys, params.ConcurrentCertifications)
	case ledger.RoleNetworkMap:
		return fmt.Errorf("%s: the network map is served by the directory file", self.Name)
	default:
		var checkpoints vault.CheckpointLog
		if params.DatabasePath != "" {
			sqlite, e := vault.OpenSQLite(params.DatabasePath)
			if e != nil {
				return e
			}
			defer sqlite.Close()
			store, checkpoints = sqlite, sqlite
		} else {
			memory := vault.MakeMemoryStore()
			store, checkpoints = memory, memory
		}

		party := protocol.Party{
			Identity:  self,
			Keys:      keys,
			Directory: dir,
			Transport: MakeRPCTransport(self, dir),
			Store:     store,
		}
		handler = protocol.MakeResponder(party, params.ConcurrentVerifications, params.SessionTimeout, metrics)
		initiator = protocol.MakeInitiator(party, protocol.MakeCheckpoints(checkpoints), params.SessionTimeout, metrics)
	}

	server, e := Serve(MakeRPCNode(ctx, self, dir, handler), fmt.Sprintf(":%d", params.RPCPort))
	if e != nil {
		return
	}
	defer server.Close()

	if e = FetchKeys(ctx, dir, self); e != nil {
		return
	}
	logger.Noticef("%s (%s) knows every peer", self.Name, self.Role)

	if initiator == nil {
		<-ctx.Done()
		return nil
	}

	if _, e := initiator.Recover(ctx); e != nil {
		logger.Warningf("%s: recovery left instances unfinished: %v", self.Name, e)
	}

	apiServer := &http.Server{
		Addr: params.APIAddress,
		Handler: api.MakeServer(api.Config{
			Self:           self,
			Directory:      dir,
			Store:          store,
			Issuer:         initiator,
			Gatherer:       registry,
			RateLimitRPS:   params.RateLimitRPS,
			RateLimitBurst: params.RateLimitBurst,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		apiServer.Shutdown(shutdown)
	}()

	logger.Noticef("%s serving API on %s", self.Name, params.APIAddress)
	if e = apiServer.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", e)
	}

	return nil
}

// Package simulator runs the issuance protocol on an in-process network of
// manufacturers, one bank, one dealer and one notary, and reports how it went.
package simulator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dbogatov/car-ledger/arbiter"
	"github.com/dbogatov/car-ledger/directory"
	"github.com/dbogatov/car-ledger/helpers"
	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/dbogatov/car-ledger/protocol"
	"github.com/dbogatov/car-ledger/vault"
	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
)

var logger = logging.MustGetLogger("simulator")

// SetLogger ...
func SetLogger(l *logging.Logger) {
	logger = l
}

// Report summarizes a simulation run.
type Report struct {
	Committed   int
	Conflicts   int // relocations that lost a race for the same car
	Stalled     int // instances left unfinished
	Undelivered int
	Failures    map[ledger.Kind]int

	Messages int
	Bytes    int
}

// ExecutionParameters ...
type ExecutionParameters struct {
	sysParams helpers.SystemParameters

	ctx    context.Context
	cancel context.CancelFunc

	network   *network.MemoryNetwork
	directory *directory.Directory
	metrics   *protocol.Metrics

	nodes         map[string]*Node
	manufacturers []*Manufacturer

	lock               sync.Mutex
	cryptoEvents       map[CryptoEvent]int
	transactionTimings []TransactionTimingInfo
	committed          []ledger.FinalizedTransaction
	report             Report
	networkEventID     uint64
}

func makeExecution(params helpers.SystemParameters) (exec *ExecutionParameters) {

	ctx, cancel := context.WithCancel(context.Background())
	exec = &ExecutionParameters{
		sysParams:          params,
		ctx:                ctx,
		cancel:             cancel,
		network:            network.MakeMemoryNetwork(),
		directory:          directory.MakeDirectory(),
		metrics:            protocol.MakeMetrics(prometheus.NewRegistry()),
		nodes:              make(map[string]*Node),
		cryptoEvents:       make(map[CryptoEvent]int),
		transactionTimings: make([]TransactionTimingInfo, 0),
		report:             Report{Failures: make(map[ledger.Kind]int)},
		networkEventID:     1,
	}

	return
}

// Simulate ...
func Simulate(params *helpers.SystemParameters) (report *Report, e error) {

	if e = params.Validate(); e != nil {
		return nil, e
	}

	start := time.Now()

	exec := makeExecution(*params)
	defer exec.stop()

	exec.buildNetwork()

	var wgManufacturer sync.WaitGroup
	wgManufacturer.Add(len(exec.manufacturers))

	for _, manufacturer := range exec.manufacturers {
		go func(manufacturer *Manufacturer) {
			defer wgManufacturer.Done()

			// first sleep uniform
			if exec.sysParams.Frequency > 0 {
				interval := 3600 * 1000 / exec.sysParams.Frequency
				time.Sleep(time.Duration(rand.Intn(interval+1)) * time.Millisecond)
			}

			manufacturer.runTransactions()
		}(manufacturer)
	}

	wgManufacturer.Wait()

	if exec.sysParams.Contention > 0 {
		exec.contend()
	}

	if e = exec.audit(); e != nil {
		return nil, e
	}

	logger.Noticef("Simulation completed in %d seconds", int(math.Round(time.Since(start).Seconds())))

	if len(exec.transactionTimings) > 0 {
		exec.printStats()
	}

	report = &exec.report

	return
}

func (exec *ExecutionParameters) buildNetwork() {

	notary := arbiter.MakeArbiter(
		ledger.Identity{Name: "Notary", Role: ledger.RoleNotary},
		ledger.GenerateKeys(),
		exec.sysParams.ConcurrentCertifications,
	)
	exec.directory.Add(notary.Identity())
	exec.MakeNode(notary.Identity(), nil, nil, func(protocol.Party) network.Handler { return notary })

	exec.directory.Add(ledger.Identity{Name: "Network Map Service", Role: ledger.RoleNetworkMap})

	for _, custodian := range []struct {
		name string
		role ledger.Role
	}{
		{"bank", ledger.RoleBank},
		{"dealer", ledger.RoleDealer},
	} {
		keys := ledger.GenerateKeys()
		identity := ledger.Identity{Name: custodian.name, Role: custodian.role, Key: keys.PublicKey()}
		exec.directory.Add(identity)
		exec.MakeNode(identity, keys, vault.MakeMemoryStore(), exec.responder)
	}

	for id := 0; id < exec.sysParams.Manufacturers; id++ {
		exec.manufacturers = append(exec.manufacturers, exec.MakeManufacturer(id))
	}

	logger.Noticef("Network of %d nodes is up", len(exec.nodes))
}

func (exec *ExecutionParameters) responder(party protocol.Party) network.Handler {
	return protocol.MakeResponder(party, exec.sysParams.ConcurrentVerifications, exec.sysParams.SessionTimeout, exec.metrics)
}

// contend races relocations on the first cars issued, round robin over manufacturers.
func (exec *ExecutionParameters) contend() {

	logger.Noticef("Contending %d car(s)", exec.sysParams.Contention)

	for i := 0; i < exec.sysParams.Contention && len(exec.manufacturers) > 0; i++ {
		manufacturer := exec.manufacturers[i%len(exec.manufacturers)]
		index := i / len(exec.manufacturers)
		if index >= len(manufacturer.issued) {
			logger.Warningf("%s has no car #%d to contend", manufacturer.identity.Name, index)
			continue
		}
		manufacturer.contend(manufacturer.issued[index])
	}
}

func (exec *ExecutionParameters) recordResult(result protocol.Result, e error) {

	if e == nil && result.State == protocol.StateCommitted {
		exec.recordTransactionTimingInfo(timingInfoOf(result.Timings))
	}

	exec.lock.Lock()
	defer exec.lock.Unlock()

	switch {
	case e == nil && result.State == protocol.StateCommitted:
		exec.report.Committed++
		exec.report.Undelivered += len(result.Undelivered)
		exec.committed = append(exec.committed, *result.Transaction)
	case result.InstanceID != "" && !result.State.Terminal():
		exec.report.Stalled++
		exec.report.Failures[ledger.KindOf(e)]++
	default:
		if ledger.IsKind(e, ledger.KindUniquenessConflict) {
			exec.report.Conflicts++
		}
		exec.report.Failures[ledger.KindOf(e)]++
	}
}

// audit checks every committed transaction is on the ledger of every participant.
func (exec *ExecutionParameters) audit() error {

	logger.Noticef("Audit started over %d transactions", len(exec.committed))

	missing := 0
	for _, tx := range exec.committed {
		for _, participant := range tx.Proposal.Participants() {
			node, exists := exec.nodes[participant.Name]
			if !exists || node.store == nil {
				missing++
				continue
			}
			if _, found, e := node.store.Transaction(exec.ctx, tx.ID()); e != nil || !found {
				logger.Errorf("%s does not hold %s", participant.Name, tx.ID())
				missing++
			}
		}
	}

	if missing > exec.report.Undelivered {
		return fmt.Errorf("audit failed: %d missing records, %d reported undelivered", missing, exec.report.Undelivered)
	}

	logger.Notice("Audit completed")

	return nil
}

func (exec *ExecutionParameters) stop() {
	for _, node := range exec.nodes {
		node.stop()
	}
	exec.cancel()
}

func (exec *ExecutionParameters) printStats() {

	// crypto events
	logger.Critical("Crypto events:")
	events := make([]CryptoEvent, 0, len(exec.cryptoEvents))
	for event := range exec.cryptoEvents {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	for _, event := range events {
		times := exec.cryptoEvents[event]
		logger.Criticalf("\t%-20s : %3d : (%4.1f per transaction)\n", event, times, float64(times)/float64(len(exec.transactionTimings)))
	}

	logger.Criticalf("Outcomes: %d committed, %d conflicts, %d stalled, %d undelivered", exec.report.Committed, exec.report.Conflicts, exec.report.Stalled, exec.report.Undelivered)
	for kind, times := range exec.report.Failures {
		logger.Criticalf("\t%-20s : %3d", kind, times)
	}
	logger.Criticalf("Traffic: %d messages, %d bytes", exec.report.Messages, exec.report.Bytes)

	// transaction timings
	logger.Criticalf("For %d transactions", len(exec.transactionTimings))
	printTimingBasics := func(
		start func(TransactionTimingInfo) time.Time,
		end func(TransactionTimingInfo) time.Time,
		description string,
	) {
		var min, max, total, avg time.Duration
		var totals = make([]time.Duration, 0, len(exec.transactionTimings))
		min = time.Duration(3600000 * time.Second)
		total = 0
		max = 0

		for _, info := range exec.transactionTimings {
			elapsed := end(info).Sub(start(info))
			if elapsed < min {
				min = elapsed
			}
			if elapsed > max {
				max = elapsed
			}
			total += elapsed
			totals = append(totals, elapsed)
		}
		avg = time.Duration(total.Nanoseconds() / int64(len(exec.transactionTimings)))

		sort.Slice(totals, func(i, j int) bool {
			return totals[i] < totals[j]
		})

		logger.Criticalf("%15s : min %4d ms, max %4d ms, avg %4d ms, median: %d ms\n", description, min.Milliseconds(), max.Milliseconds(), avg.Milliseconds(), totals[len(totals)/2].Milliseconds())
	}

	printTimingBasics(
		func(info TransactionTimingInfo) time.Time { return info.start },
		func(info TransactionTimingInfo) time.Time { return info.end },
		"total",
	)
	printTimingBasics(
		func(info TransactionTimingInfo) time.Time { return info.collectionStart },
		func(info TransactionTimingInfo) time.Time { return info.collectionEnd },
		"collection",
	)
	printTimingBasics(
		func(info TransactionTimingInfo) time.Time { return info.finalityStart },
		func(info TransactionTimingInfo) time.Time { return info.finalityEnd },
		"finality",
	)
}

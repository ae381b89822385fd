package simulator

import (
	"fmt"
	"sync"
	"time"

	"github.com/dbogatov/car-ledger/helpers"
	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/protocol"
	"github.com/dbogatov/car-ledger/vault"
	"gonum.org/v1/gonum/stat/distuv"
)

var carMakes = []string{"Acme", "Globex", "Initech", "Umbrella"}
var carModels = []string{"X1", "Roadster", "Hauler", "Compact"}

// Manufacturer issues cars.
type Manufacturer struct {
	*Node

	id      int
	poisson distuv.Poisson
	issued  []ledger.LinearID
}

// MakeManufacturer ...
func (exec *ExecutionParameters) MakeManufacturer(id int) (manufacturer *Manufacturer) {

	keys := ledger.GenerateKeys()
	identity := ledger.Identity{
		Name: fmt.Sprintf("manufacturer-%d", id),
		Role: ledger.RoleManufacturer,
		Key:  keys.PublicKey(),
	}
	exec.directory.Add(identity)

	store := vault.MakeMemoryStore()
	node := exec.MakeNode(identity, keys, store, exec.responder)
	node.initiator = protocol.MakeInitiator(node.party, protocol.MakeCheckpoints(store), exec.sysParams.SessionTimeout, exec.metrics)

	manufacturer = &Manufacturer{
		Node: node,
		id:   id,
	}
	if exec.sysParams.Frequency > 0 {
		manufacturer.poisson = distuv.Poisson{
			Lambda: float64(exec.sysParams.Frequency),
		}
	}

	return
}

func (manufacturer *Manufacturer) runTransactions() {

	frequency := manufacturer.exec.sysParams.Frequency

	for i := 0; i < manufacturer.exec.sysParams.Transactions; i++ {

		// Poisson arrivals, frequency per hour
		if frequency > 0 {
			draw := manufacturer.poisson.Rand()
			if draw < 1 {
				draw = 1
			}
			sleep := time.Duration((3600.0/draw)*1000) * time.Millisecond
			logger.Debugf("%s will wait %d ms", manufacturer.identity.Name, sleep.Milliseconds())
			time.Sleep(sleep)
		}

		manufacturer.issueCar()
	}
}

func (manufacturer *Manufacturer) issueCar() {

	prg := helpers.NewRand()
	fields := ledger.CarFields{
		VIN:                helpers.RandomString(prg, 17),
		LicensePlateNumber: helpers.RandomString(prg, 7),
		Make:               carMakes[int(prg.GetByte())%len(carMakes)],
		Model:              carModels[int(prg.GetByte())%len(carModels)],
		DealershipLocation: fmt.Sprintf("Plant-%d", manufacturer.id),
	}

	logger.Infof("%s starts issuance of %s", manufacturer.identity.Name, fields.VIN)

	// local signature and notary choice
	manufacturer.exec.recordCryptoEvent(signSchnorr)
	manufacturer.exec.recordCryptoEvent(sha3hash)

	result, e := manufacturer.initiator.Issue(manufacturer.ctx, fields)
	manufacturer.exec.recordResult(result, e)

	if e == nil && result.State == protocol.StateCommitted {
		manufacturer.issued = append(manufacturer.issued, result.Transaction.Proposal.Outputs[0].Car.LinearID)
	}
}

// contend relocates the car twice at once. The arbiter lets exactly one through.
func (manufacturer *Manufacturer) contend(linearID ledger.LinearID) {

	states, e := manufacturer.store.Query(manufacturer.ctx, vault.Criteria{LinearID: linearID, Status: vault.StatusUnconsumed})
	if e != nil || len(states) != 1 {
		logger.Warningf("%s cannot contend %s: %d versions, %v", manufacturer.identity.Name, linearID, len(states), e)
		return
	}

	builder := protocol.MakeBuilder(manufacturer.exec.directory)

	proposals := make([]ledger.TransactionProposal, 0, 2)
	for _, location := range []string{"Harbor-North", "Harbor-South"} {
		proposal, e := builder.Relocate(manufacturer.identity, states[0], location, "")
		if e != nil {
			logger.Warningf("%s cannot build relocation of %s: %v", manufacturer.identity.Name, linearID, e)
			return
		}
		proposals = append(proposals, proposal)
	}

	var wg sync.WaitGroup
	wg.Add(len(proposals))
	for _, proposal := range proposals {
		go func(proposal ledger.TransactionProposal) {
			defer wg.Done()

			manufacturer.exec.recordCryptoEvent(signSchnorr)
			result, e := manufacturer.initiator.Propose(manufacturer.ctx, proposal)
			manufacturer.exec.recordResult(result, e)
		}(proposal)
	}
	wg.Wait()
}

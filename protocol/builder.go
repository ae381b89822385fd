package protocol

import (
	"github.com/dbogatov/car-ledger/contract"
	"github.com/dbogatov/car-ledger/helpers"
	"github.com/dbogatov/car-ledger/ledger"
)

// Builder assembles unsigned proposals from a caller's intent.
type Builder struct {
	directory Directory
}

// MakeBuilder ...
func MakeBuilder(directory Directory) *Builder {
	return &Builder{directory: directory}
}

// Issue builds a proposal that creates one car held by the caller, the bank
// and the dealer. Only a manufacturer may issue.
func (builder *Builder) Issue(caller ledger.Identity, fields ledger.CarFields) (proposal ledger.TransactionProposal, e error) {

	if caller.Role != ledger.RoleManufacturer {
		return ledger.TransactionProposal{}, ledger.AuthorizationError(caller.Name, "only a %s may issue cars, caller acts as %s", ledger.RoleManufacturer, caller.Role)
	}

	bank, e := builder.directory.Resolve(ledger.RoleBank)
	if e != nil {
		return ledger.TransactionProposal{}, e
	}
	dealer, e := builder.directory.Resolve(ledger.RoleDealer)
	if e != nil {
		return ledger.TransactionProposal{}, e
	}
	notary, e := builder.notary(fields.VIN)
	if e != nil {
		return ledger.TransactionProposal{}, e
	}

	car := ledger.CarState{
		OwningBank:    bank,
		HoldingDealer: dealer,
		Manufacturer:  caller,
		CarFields:     fields,
		LinearID:      ledger.NewLinearID(),
	}

	proposal = ledger.TransactionProposal{
		Outputs: []ledger.TransactionState{ledger.CarOutput(car)},
		Notary:  notary,
	}
	proposal.Command = ledger.Command{Type: ledger.CommandIssue, Signers: proposal.RequiredSigners()}

	return
}

// Relocate builds a proposal that consumes input and produces the same car at
// a new dealership location, with a new plate when one is given.
func (builder *Builder) Relocate(caller ledger.Identity, input ledger.StateAndRef, location, plate string) (proposal ledger.TransactionProposal, e error) {

	if input.State.Kind != ledger.KindCar || input.State.Car == nil {
		return ledger.TransactionProposal{}, ledger.ContractViolation(contract.RuleStateKind, "input %s is not a car", input.Ref)
	}
	if input.Consumed {
		return ledger.TransactionProposal{}, ledger.ContractViolation(contract.RuleInputKnown, "input %s is already consumed", input.Ref)
	}

	car := *input.State.Car

	participant := false
	for _, identity := range car.Participants() {
		if identity.Same(caller) {
			participant = true
		}
	}
	if !participant {
		return ledger.TransactionProposal{}, ledger.AuthorizationError(caller.Name, "only a participant may relocate car %s", car.VIN)
	}

	notary, e := builder.notary(car.VIN)
	if e != nil {
		return ledger.TransactionProposal{}, e
	}

	car.DealershipLocation = location
	if plate != "" {
		car.LicensePlateNumber = plate
	}

	proposal = ledger.TransactionProposal{
		Inputs:  []ledger.StateRef{input.Ref},
		Outputs: []ledger.TransactionState{ledger.CarOutput(car)},
		Notary:  notary,
	}
	proposal.Command = ledger.Command{Type: ledger.CommandRelocate, Signers: proposal.RequiredSigners()}

	return
}

// notary picks one of the known notaries; the choice is stable per VIN so
// every version of a car is certified by the same arbiter.
func (builder *Builder) notary(vin string) (ledger.Identity, error) {
	notaries := builder.directory.Notaries()
	if len(notaries) == 0 {
		return ledger.Identity{}, ledger.RoleResolutionError(ledger.RoleNotary, 0)
	}
	return notaries[helpers.PeerByHash(helpers.Sha3([]byte(vin)), len(notaries))], nil
}

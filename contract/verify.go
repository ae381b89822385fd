// Package contract holds the car contract: the rules every party checks a
// proposal against before signing it. Verification is pure and deterministic.
package contract

import (
	"strings"

	"github.com/dbogatov/car-ledger/ledger"
)

// Rule ids reported in ContractViolation errors.
const (
	RuleNotary           = "proposal.notary"
	RuleCommand          = "proposal.command"
	RuleIssueNoInputs    = "issue.no-inputs"
	RuleIssueSingleOut   = "issue.single-output"
	RuleRelocateSingleIn = "relocate.single-input"
	RuleRelocateSingle   = "relocate.single-output"
	RuleStateKind        = "state.kind"
	RuleLinearID         = "state.linear-id"
	RuleParticipants     = "state.participants"
	RuleFields           = "state.fields"
	RuleSigners          = "command.signers"
	RuleInputKnown       = "relocate.input-known"
	RuleSameLinearID     = "relocate.same-linear-id"
	RuleImmutableFields  = "relocate.immutable-fields"
)

// Verify checks the structural and domain rules of a proposal.
func Verify(proposal ledger.TransactionProposal) error {

	if proposal.Notary.Role != ledger.RoleNotary || len(proposal.Notary.Key) == 0 {
		return ledger.ContractViolation(RuleNotary, "a notary identity must be chosen")
	}

	switch proposal.Command.Type {
	case ledger.CommandIssue:
		if len(proposal.Inputs) != 0 {
			return ledger.ContractViolation(RuleIssueNoInputs, "no inputs should be consumed when issuing a car")
		}
		if len(proposal.Outputs) != 1 {
			return ledger.ContractViolation(RuleIssueSingleOut, "exactly one output state should be created, got %d", len(proposal.Outputs))
		}
	case ledger.CommandRelocate:
		if len(proposal.Inputs) != 1 {
			return ledger.ContractViolation(RuleRelocateSingleIn, "exactly one input should be consumed, got %d", len(proposal.Inputs))
		}
		if len(proposal.Outputs) != 1 {
			return ledger.ContractViolation(RuleRelocateSingle, "exactly one output state should be created, got %d", len(proposal.Outputs))
		}
	default:
		return ledger.ContractViolation(RuleCommand, "unknown command %q", proposal.Command.Type)
	}

	for _, output := range proposal.Outputs {
		if err := verifyState(output); err != nil {
			return err
		}
	}

	return verifySigners(proposal)
}

// VerifyTransition runs Verify and then checks a relocation against the input
// state it consumes, as recorded in the verifying party's own store.
func VerifyTransition(proposal ledger.TransactionProposal, input *ledger.StateAndRef) error {
	if err := Verify(proposal); err != nil {
		return err
	}
	if proposal.Command.Type != ledger.CommandRelocate {
		return nil
	}

	if input == nil || input.Ref != proposal.Inputs[0] || input.State.Kind != ledger.KindCar || input.State.Car == nil {
		return ledger.ContractViolation(RuleInputKnown, "input %s is not a known car", proposal.Inputs[0])
	}

	before, after := input.State.Car, proposal.Outputs[0].Car
	if before.LinearID != after.LinearID {
		return ledger.ContractViolation(RuleSameLinearID, "relocation must keep linear id %s", before.LinearID)
	}
	if before.VIN != after.VIN || before.Make != after.Make || before.Model != after.Model {
		return ledger.ContractViolation(RuleImmutableFields, "vin, make and model cannot change")
	}
	if !before.OwningBank.Same(after.OwningBank) ||
		!before.HoldingDealer.Same(after.HoldingDealer) ||
		!before.Manufacturer.Same(after.Manufacturer) {
		return ledger.ContractViolation(RuleImmutableFields, "participants cannot change on relocation")
	}

	return nil
}

func verifyState(output ledger.TransactionState) error {

	if output.Kind != ledger.KindCar || output.Car == nil {
		return ledger.ContractViolation(RuleStateKind, "the output must be a car state")
	}
	car := output.Car

	if !car.LinearID.Defined() {
		return ledger.ContractViolation(RuleLinearID, "the car must carry a linear id")
	}

	participants := car.Participants()
	if len(participants) == 0 {
		return ledger.ContractViolation(RuleParticipants, "the car must have participants")
	}
	roles := make(map[ledger.Role]int)
	keys := make(map[string]bool)
	for _, participant := range participants {
		if len(participant.Key) == 0 {
			return ledger.ContractViolation(RuleParticipants, "participant %q has no key", participant.Name)
		}
		id := ledger.KeyID(participant.Key)
		if keys[id] {
			return ledger.ContractViolation(RuleParticipants, "participant %q appears twice", participant.Name)
		}
		keys[id] = true
		roles[participant.Role]++
	}
	for _, holder := range []struct {
		role     ledger.Role
		identity ledger.Identity
	}{
		{ledger.RoleBank, car.OwningBank},
		{ledger.RoleDealer, car.HoldingDealer},
		{ledger.RoleManufacturer, car.Manufacturer},
	} {
		if holder.identity.Role != holder.role || roles[holder.role] != 1 {
			return ledger.ContractViolation(RuleParticipants, "exactly one %s must hold the car", holder.role)
		}
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"vin", car.VIN},
		{"license plate", car.LicensePlateNumber},
		{"make", car.Make},
		{"model", car.Model},
		{"dealership location", car.DealershipLocation},
	} {
		if strings.TrimSpace(field.value) == "" {
			return ledger.ContractViolation(RuleFields, "%s must not be empty", field.name)
		}
	}

	return nil
}

func verifySigners(proposal ledger.TransactionProposal) error {

	signers := make(map[string]bool, len(proposal.Command.Signers))
	for _, key := range proposal.Command.Signers {
		id := ledger.KeyID(key)
		if signers[id] {
			return ledger.ContractViolation(RuleSigners, "signer %s listed twice", ledger.ShortKeyID(key))
		}
		signers[id] = true
	}

	required := proposal.RequiredSigners()
	if len(required) != len(signers) {
		return ledger.ContractViolation(RuleSigners, "all of the participants must be signers")
	}
	for _, key := range required {
		if !signers[ledger.KeyID(key)] {
			return ledger.ContractViolation(RuleSigners, "all of the participants must be signers")
		}
	}

	return nil
}

package protocol

import (
	"testing"

	"github.com/dbogatov/car-ledger/contract"
	"github.com/dbogatov/car-ledger/directory"
	"github.com/dbogatov/car-ledger/ledger"
)

func keyed(name string, role ledger.Role) ledger.Identity {
	return ledger.Identity{Name: name, Role: role, Key: ledger.GenerateKeys().PublicKey()}
}

func TestBuilderIssue(t *testing.T) {
	t.Parallel()

	manufacturer := keyed("ACME-Manufacturer", ledger.RoleManufacturer)
	dir := directory.MakeDirectory(
		manufacturer,
		keyed("First-Bank", ledger.RoleBank),
		keyed("City-Dealer", ledger.RoleDealer),
		keyed("Notary", ledger.RoleNotary),
	)

	proposal, err := MakeBuilder(dir).Issue(manufacturer, scenarioFields)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := contract.Verify(proposal); err != nil {
		t.Fatalf("built proposal fails the contract: %v", err)
	}
	if len(proposal.Inputs) != 0 || len(proposal.Outputs) != 1 {
		t.Fatalf("inputs = %d, outputs = %d, want 0 and 1", len(proposal.Inputs), len(proposal.Outputs))
	}
	if proposal.Command.Type != ledger.CommandIssue {
		t.Fatalf("command = %q, want %q", proposal.Command.Type, ledger.CommandIssue)
	}
	if proposal.Notary.Name != "Notary" {
		t.Fatalf("notary = %q, want %q", proposal.Notary.Name, "Notary")
	}
}

func TestBuilderRoleResolution(t *testing.T) {
	t.Parallel()

	manufacturer := keyed("ACME-Manufacturer", ledger.RoleManufacturer)

	for name, identities := range map[string][]ledger.Identity{
		"two banks": {
			keyed("Bank-A", ledger.RoleBank),
			keyed("Bank-B", ledger.RoleBank),
			keyed("City-Dealer", ledger.RoleDealer),
			keyed("Notary", ledger.RoleNotary),
		},
		"no dealer": {
			keyed("First-Bank", ledger.RoleBank),
			keyed("Notary", ledger.RoleNotary),
		},
		"no notary": {
			keyed("First-Bank", ledger.RoleBank),
			keyed("City-Dealer", ledger.RoleDealer),
		},
	} {
		_, err := MakeBuilder(directory.MakeDirectory(identities...)).Issue(manufacturer, scenarioFields)
		if !ledger.IsKind(err, ledger.KindRoleResolution) {
			t.Fatalf("%s: err = %v, want RoleResolution", name, err)
		}
	}
}

func TestBuilderPicksNotaryByVIN(t *testing.T) {
	t.Parallel()

	manufacturer := keyed("ACME-Manufacturer", ledger.RoleManufacturer)
	dir := directory.MakeDirectory(
		keyed("First-Bank", ledger.RoleBank),
		keyed("City-Dealer", ledger.RoleDealer),
		keyed("Notary-A", ledger.RoleNotary),
		keyed("Notary-B", ledger.RoleNotary),
		keyed("Notary-C", ledger.RoleNotary),
	)
	builder := MakeBuilder(dir)

	first, err := builder.Issue(manufacturer, scenarioFields)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := builder.Issue(manufacturer, scenarioFields)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if again.Notary.Name != first.Notary.Name {
			t.Fatalf("notary = %q, want %q", again.Notary.Name, first.Notary.Name)
		}
	}
}

func TestBuilderRelocate(t *testing.T) {
	t.Parallel()

	manufacturer := keyed("ACME-Manufacturer", ledger.RoleManufacturer)
	dir := directory.MakeDirectory(
		manufacturer,
		keyed("First-Bank", ledger.RoleBank),
		keyed("City-Dealer", ledger.RoleDealer),
		keyed("Notary", ledger.RoleNotary),
	)
	builder := MakeBuilder(dir)

	issued, err := builder.Issue(manufacturer, scenarioFields)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	input := ledger.StateAndRef{State: issued.Outputs[0], Ref: ledger.StateRef{TxID: issued.ID(), Index: 0}}

	moved, err := builder.Relocate(manufacturer, input, "Harbor-2", "")
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if err := contract.VerifyTransition(moved, &input); err != nil {
		t.Fatalf("relocation fails the contract: %v", err)
	}
	if moved.Outputs[0].Car.LicensePlateNumber != scenarioFields.LicensePlateNumber {
		t.Fatal("an empty plate must keep the current one")
	}

	if _, err := builder.Relocate(keyed("Stranger", ledger.RoleDealer), input, "Harbor-2", ""); !ledger.IsKind(err, ledger.KindAuthorization) {
		t.Fatalf("stranger: err = %v, want Authorization", err)
	}

	consumed := input
	consumed.Consumed = true
	if _, err := builder.Relocate(manufacturer, consumed, "Harbor-2", ""); ledger.RuleOf(err) != contract.RuleInputKnown {
		t.Fatalf("consumed input: err = %v, want [%s]", err, contract.RuleInputKnown)
	}
}

func TestSignLocal(t *testing.T) {
	t.Parallel()

	keys := ledger.GenerateKeys()
	manufacturer := ledger.Identity{Name: "ACME-Manufacturer", Role: ledger.RoleManufacturer, Key: keys.PublicKey()}
	dir := directory.MakeDirectory(
		keyed("First-Bank", ledger.RoleBank),
		keyed("City-Dealer", ledger.RoleDealer),
		keyed("Notary", ledger.RoleNotary),
	)
	proposal, err := MakeBuilder(dir).Issue(manufacturer, scenarioFields)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	signatures, err := SignLocal(proposal, keys)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !signatures.Has(manufacturer.Key) || len(signatures.Signatures) != 1 {
		t.Fatalf("signatures = %d, want the initiator's only", len(signatures.Signatures))
	}
	if err := signatures.Verify(proposal.Hash()); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if _, err := SignLocal(proposal, ledger.GenerateKeys()); !ledger.IsKind(err, ledger.KindAuthorization) {
		t.Fatalf("foreign key: err = %v, want Authorization", err)
	}
}

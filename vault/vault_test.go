package vault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dbogatov/car-ledger/ledger"
)

type backend struct {
	name  string
	store Store
	log   CheckpointLog
}

func openTempStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close sqlite store: %v", err)
		}
	})
	return store
}

func backends(t *testing.T) []backend {
	t.Helper()

	memory := MakeMemoryStore()
	sqlite := openTempStore(t)
	return []backend{
		{name: "memory", store: memory, log: memory},
		{name: "sqlite", store: sqlite, log: sqlite},
	}
}

func identity(name string, role ledger.Role) ledger.Identity {
	return ledger.Identity{Name: name, Role: role, Key: []byte(name)}
}

func issuance(vin string) ledger.FinalizedTransaction {
	car := ledger.CarState{
		OwningBank:    identity("First-Bank", ledger.RoleBank),
		HoldingDealer: identity("City-Dealer", ledger.RoleDealer),
		Manufacturer:  identity("ACME-Manufacturer", ledger.RoleManufacturer),
		CarFields: ledger.CarFields{
			VIN:                vin,
			LicensePlateNumber: "ABC-123",
			Make:               "Acme",
			Model:              "X1",
			DealershipLocation: "Plant-7",
		},
		LinearID: ledger.NewLinearID(),
	}
	proposal := ledger.TransactionProposal{
		Outputs: []ledger.TransactionState{ledger.CarOutput(car)},
		Notary:  identity("Notary", ledger.RoleNotary),
	}
	proposal.Command = ledger.Command{Type: ledger.CommandIssue, Signers: proposal.RequiredSigners()}
	return ledger.FinalizedTransaction{
		Proposal:    proposal,
		Certificate: ledger.Certificate{TxID: proposal.ID(), Notary: proposal.Notary.Key},
	}
}

func relocation(input ledger.FinalizedTransaction, location string) ledger.FinalizedTransaction {
	car := *input.Proposal.Outputs[0].Car
	car.DealershipLocation = location
	proposal := input.Proposal
	proposal.Inputs = []ledger.StateRef{{TxID: input.ID(), Index: 0}}
	proposal.Outputs = []ledger.TransactionState{ledger.CarOutput(car)}
	proposal.Command.Type = ledger.CommandRelocate
	return ledger.FinalizedTransaction{
		Proposal:    proposal,
		Certificate: ledger.Certificate{TxID: proposal.ID(), Notary: proposal.Notary.Key},
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLite(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	t.Parallel()

	for _, b := range backends(t) {
		ctx := context.Background()
		tx := issuance("1HGCM82633A004352")

		for i := 0; i < 2; i++ {
			if err := b.store.Write(ctx, tx); err != nil {
				t.Fatalf("%s: write #%d: %v", b.name, i, err)
			}
		}

		states, err := b.store.Query(ctx, Criteria{})
		if err != nil {
			t.Fatalf("%s: query: %v", b.name, err)
		}
		if len(states) != 1 {
			t.Fatalf("%s: states = %d, want 1", b.name, len(states))
		}
		if states[0].Ref.TxID != tx.ID() {
			t.Fatalf("%s: ref tx = %q, want %q", b.name, states[0].Ref.TxID, tx.ID())
		}

		stored, found, err := b.store.Transaction(ctx, tx.ID())
		if err != nil || !found {
			t.Fatalf("%s: transaction found = %v, err = %v", b.name, found, err)
		}
		if stored.ID() != tx.ID() {
			t.Fatalf("%s: stored id = %q, want %q", b.name, stored.ID(), tx.ID())
		}
	}
}

func TestQueryByVIN(t *testing.T) {
	t.Parallel()

	for _, b := range backends(t) {
		ctx := context.Background()
		for _, vin := range []string{"VIN-A", "VIN-B", "VIN-C"} {
			if err := b.store.Write(ctx, issuance(vin)); err != nil {
				t.Fatalf("%s: write %s: %v", b.name, vin, err)
			}
		}

		states, err := b.store.Query(ctx, Criteria{VIN: "VIN-B"})
		if err != nil {
			t.Fatalf("%s: query: %v", b.name, err)
		}
		models := Project(states)
		if len(models) != 1 {
			t.Fatalf("%s: matches = %d, want 1", b.name, len(models))
		}
		if models[0].VIN != "VIN-B" {
			t.Fatalf("%s: vin = %q, want %q", b.name, models[0].VIN, "VIN-B")
		}
		if models[0].OwningBank != "First-Bank" {
			t.Fatalf("%s: owning bank = %q, want %q", b.name, models[0].OwningBank, "First-Bank")
		}

		none, err := b.store.Query(ctx, Criteria{VIN: "UNKNOWN"})
		if err != nil {
			t.Fatalf("%s: query unknown: %v", b.name, err)
		}
		if len(none) != 0 {
			t.Fatalf("%s: unknown vin matches = %d, want 0", b.name, len(none))
		}
	}
}

func TestRelocationConsumesInput(t *testing.T) {
	t.Parallel()

	for _, b := range backends(t) {
		ctx := context.Background()
		issued := issuance("VIN-R")
		moved := relocation(issued, "Harbor-2")

		for _, tx := range []ledger.FinalizedTransaction{issued, moved} {
			if err := b.store.Write(ctx, tx); err != nil {
				t.Fatalf("%s: write: %v", b.name, err)
			}
		}

		linearID := issued.Proposal.Outputs[0].Car.LinearID
		all, err := b.store.Query(ctx, Criteria{LinearID: linearID})
		if err != nil {
			t.Fatalf("%s: query all: %v", b.name, err)
		}
		if len(all) != 2 {
			t.Fatalf("%s: versions = %d, want 2", b.name, len(all))
		}

		unconsumed, err := b.store.Query(ctx, Criteria{LinearID: linearID, Status: StatusUnconsumed})
		if err != nil {
			t.Fatalf("%s: query unconsumed: %v", b.name, err)
		}
		if len(unconsumed) != 1 || unconsumed[0].State.Car.DealershipLocation != "Harbor-2" {
			t.Fatalf("%s: unconsumed = %+v, want the relocated car", b.name, unconsumed)
		}

		consumed, err := b.store.Query(ctx, Criteria{Status: StatusConsumed})
		if err != nil {
			t.Fatalf("%s: query consumed: %v", b.name, err)
		}
		if len(consumed) != 1 || consumed[0].Ref.TxID != issued.ID() {
			t.Fatalf("%s: consumed = %+v, want the issued car", b.name, consumed)
		}
	}
}

func TestUnknownTransaction(t *testing.T) {
	t.Parallel()

	for _, b := range backends(t) {
		if _, found, err := b.store.Transaction(context.Background(), "missing"); err != nil || found {
			t.Fatalf("%s: found = %v, err = %v, want not found", b.name, found, err)
		}
	}
}

func TestCheckpointLog(t *testing.T) {
	t.Parallel()

	for _, b := range backends(t) {
		ctx := context.Background()

		for _, step := range []struct {
			id       string
			terminal bool
			record   string
		}{
			{"first", false, "first:building"},
			{"second", false, "second:building"},
			{"first", false, "first:collecting"},
			{"second", true, "second:committed"},
		} {
			if err := b.log.PutCheckpoint(ctx, step.id, step.terminal, []byte(step.record)); err != nil {
				t.Fatalf("%s: put %s: %v", b.name, step.id, err)
			}
		}

		record, found, err := b.log.Checkpoint(ctx, "first")
		if err != nil || !found {
			t.Fatalf("%s: checkpoint found = %v, err = %v", b.name, found, err)
		}
		if string(record) != "first:collecting" {
			t.Fatalf("%s: record = %q, want %q", b.name, record, "first:collecting")
		}

		pending, err := b.log.PendingCheckpoints(ctx)
		if err != nil {
			t.Fatalf("%s: pending: %v", b.name, err)
		}
		if len(pending) != 1 || string(pending[0]) != "first:collecting" {
			t.Fatalf("%s: pending = %q, want [first:collecting]", b.name, pending)
		}

		if _, found, _ := b.log.Checkpoint(ctx, "missing"); found {
			t.Fatalf("%s: unexpected checkpoint", b.name)
		}
	}
}

func TestReopenKeepsLedger(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ledger.db")
	tx := issuance("VIN-P")

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Write(context.Background(), tx); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if _, found, err := reopened.Transaction(context.Background(), tx.ID()); err != nil || !found {
		t.Fatalf("found = %v, err = %v, want the transaction after reopen", found, err)
	}
}

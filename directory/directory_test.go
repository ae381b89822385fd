package directory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dbogatov/car-ledger/ledger"
)

const network = `
identities:
  - name: ACME-Manufacturer
    role: Manufacturer
    address: localhost:9001
  - name: First-Bank
    role: Bank
    address: localhost:9002
  - name: City-Dealer
    role: Dealer
    address: localhost:9003
  - name: Notary
    role: Notary
    address: localhost:9004
  - name: Network Map Service
    role: NetworkMap
`

func TestParseAndResolve(t *testing.T) {
	t.Parallel()

	directory, err := Parse([]byte(network))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	bank, err := directory.Resolve(ledger.RoleBank)
	if err != nil {
		t.Fatalf("resolve bank: %v", err)
	}
	if bank.Name != "First-Bank" {
		t.Fatalf("bank = %q, want %q", bank.Name, "First-Bank")
	}
	if bank.Address != "localhost:9002" {
		t.Fatalf("address = %q, want %q", bank.Address, "localhost:9002")
	}
	if got := len(directory.AllIdentities()); got != 5 {
		t.Fatalf("identities = %d, want 5", got)
	}
	if got := len(directory.Notaries()); got != 1 {
		t.Fatalf("notaries = %d, want 1", got)
	}
}

func TestResolveRequiresExactlyOne(t *testing.T) {
	t.Parallel()

	directory := MakeDirectory(
		ledger.Identity{Name: "Bank-A", Role: ledger.RoleBank},
		ledger.Identity{Name: "Bank-B", Role: ledger.RoleBank},
	)

	if _, err := directory.Resolve(ledger.RoleBank); !ledger.IsKind(err, ledger.KindRoleResolution) {
		t.Fatalf("two banks: err = %v, want RoleResolution", err)
	}
	if _, err := directory.Resolve(ledger.RoleDealer); !ledger.IsKind(err, ledger.KindRoleResolution) {
		t.Fatalf("no dealer: err = %v, want RoleResolution", err)
	}
}

func TestPeersExcludeSelfAndInfrastructure(t *testing.T) {
	t.Parallel()

	directory, err := Parse([]byte(network))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	self, _ := directory.ByName("ACME-Manufacturer")

	peers := directory.Peers(self)
	if len(peers) != 2 {
		t.Fatalf("peers = %v, want bank and dealer", peers)
	}
	for _, peer := range peers {
		if peer.Role.Infrastructure() || peer.Name == self.Name {
			t.Fatalf("unexpected peer %q", peer.Name)
		}
	}
}

func TestSetKeyAndByKey(t *testing.T) {
	t.Parallel()

	directory := MakeDirectory(ledger.Identity{Name: "Notary", Role: ledger.RoleNotary})
	key := ledger.GenerateKeys().PublicKey()

	if _, ok := directory.ByKey(key); ok {
		t.Fatal("key must be unknown before it is set")
	}
	if err := directory.SetKey("Notary", key); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if err := directory.SetKey("Stranger", key); err == nil {
		t.Fatal("expected error for unknown identity")
	}

	found, ok := directory.ByKey(key)
	if !ok || found.Name != "Notary" {
		t.Fatalf("by key = %q (%v), want %q", found.Name, ok, "Notary")
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string]string{
		"unknown role": "identities:\n  - name: X\n    role: Pirate\n",
		"missing name": "identities:\n  - role: Bank\n",
		"duplicate":    "identities:\n  - name: X\n    role: Bank\n  - name: X\n    role: Dealer\n",
		"not yaml":     "identities: [",
	} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "network.yaml")
	if err := os.WriteFile(path, []byte(network), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	directory, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := directory.ByName("City-Dealer"); !ok {
		t.Fatal("expected dealer to be loaded")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

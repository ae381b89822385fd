// Package directory resolves network identities by role, name and key.
package directory

import (
	"fmt"
	"os"
	"sync"

	"github.com/dbogatov/car-ledger/ledger"
	"gopkg.in/yaml.v3"
)

// Directory is the static view of the network every node shares.
// Keys may be filled in after construction, once a node has learned them.
type Directory struct {
	mu         sync.RWMutex
	identities []ledger.Identity
}

// MakeDirectory ...
func MakeDirectory(identities ...ledger.Identity) (directory *Directory) {
	directory = &Directory{}
	for _, identity := range identities {
		directory.Add(identity)
	}
	return
}

type fileEntry struct {
	Name    string `yaml:"name"`
	Role    string `yaml:"role"`
	Address string `yaml:"address"`
}

type fileFormat struct {
	Identities []fileEntry `yaml:"identities"`
}

// Load reads a directory file listing the name, role and address of every node.
func Load(path string) (directory *Directory, e error) {
	raw, e := os.ReadFile(path)
	if e != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, e)
	}
	return Parse(raw)
}

// Parse decodes the YAML form of a directory.
func Parse(raw []byte) (directory *Directory, e error) {
	var file fileFormat
	if e = yaml.Unmarshal(raw, &file); e != nil {
		return nil, fmt.Errorf("decode directory: %w", e)
	}

	directory = MakeDirectory()
	for _, entry := range file.Identities {
		role := ledger.Role(entry.Role)
		switch role {
		case ledger.RoleManufacturer, ledger.RoleBank, ledger.RoleDealer, ledger.RoleNotary, ledger.RoleNetworkMap:
		default:
			return nil, fmt.Errorf("identity %q has unknown role %q", entry.Name, entry.Role)
		}
		if entry.Name == "" {
			return nil, fmt.Errorf("identity with role %s has no name", role)
		}
		if _, exists := directory.ByName(entry.Name); exists {
			return nil, fmt.Errorf("identity %q listed twice", entry.Name)
		}
		directory.Add(ledger.Identity{Name: entry.Name, Role: role, Address: entry.Address})
	}

	return
}

// Add appends an identity, replacing one with the same name.
func (directory *Directory) Add(identity ledger.Identity) {
	directory.mu.Lock()
	defer directory.mu.Unlock()

	for i, known := range directory.identities {
		if known.Name == identity.Name {
			directory.identities[i] = identity
			return
		}
	}
	directory.identities = append(directory.identities, identity)
}

// SetKey records the public key of a named identity.
func (directory *Directory) SetKey(name string, key []byte) error {
	directory.mu.Lock()
	defer directory.mu.Unlock()

	for i, known := range directory.identities {
		if known.Name == name {
			directory.identities[i].Key = append([]byte(nil), key...)
			return nil
		}
	}
	return fmt.Errorf("unknown identity %q", name)
}

// Resolve returns the single identity holding role.
// Zero or several matches is a RoleResolution error.
func (directory *Directory) Resolve(role ledger.Role) (identity ledger.Identity, e error) {
	matches := directory.filter(func(candidate ledger.Identity) bool {
		return candidate.Role == role
	})
	if len(matches) != 1 {
		return ledger.Identity{}, ledger.RoleResolutionError(role, len(matches))
	}
	return matches[0], nil
}

// AllIdentities ...
func (directory *Directory) AllIdentities() []ledger.Identity {
	return directory.filter(func(ledger.Identity) bool { return true })
}

// Peers returns every transacting identity other than self.
func (directory *Directory) Peers(self ledger.Identity) []ledger.Identity {
	return directory.filter(func(candidate ledger.Identity) bool {
		return !candidate.Role.Infrastructure() && candidate.Name != self.Name
	})
}

// Notaries ...
func (directory *Directory) Notaries() []ledger.Identity {
	return directory.filter(func(candidate ledger.Identity) bool {
		return candidate.Role == ledger.RoleNotary
	})
}

// ByKey ...
func (directory *Directory) ByKey(key []byte) (ledger.Identity, bool) {
	id := ledger.KeyID(key)
	matches := directory.filter(func(candidate ledger.Identity) bool {
		return len(candidate.Key) > 0 && ledger.KeyID(candidate.Key) == id
	})
	if len(matches) == 0 {
		return ledger.Identity{}, false
	}
	return matches[0], true
}

// ByName ...
func (directory *Directory) ByName(name string) (ledger.Identity, bool) {
	matches := directory.filter(func(candidate ledger.Identity) bool {
		return candidate.Name == name
	})
	if len(matches) == 0 {
		return ledger.Identity{}, false
	}
	return matches[0], true
}

func (directory *Directory) filter(keep func(ledger.Identity) bool) (result []ledger.Identity) {
	directory.mu.RLock()
	defer directory.mu.RUnlock()

	for _, identity := range directory.identities {
		if keep(identity) {
			identity.Key = append([]byte(nil), identity.Key...)
			result = append(result, identity)
		}
	}
	return
}

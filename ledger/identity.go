package ledger

import (
	"bytes"
	"encoding/hex"
)

// Role is the organisational unit an identity acts as.
type Role string

const (
	RoleManufacturer Role = "Manufacturer"
	RoleBank         Role = "Bank"
	RoleDealer       Role = "Dealer"
	RoleNotary       Role = "Notary"
	RoleNetworkMap   Role = "NetworkMap"
)

// Infrastructure reports whether identities of this role never take part in transactions.
func (role Role) Infrastructure() bool {
	return role == RoleNotary || role == RoleNetworkMap
}

// Identity is a party known to the network.
type Identity struct {
	Name    string
	Role    Role
	Key     []byte // serialized public signing key
	Address string `json:"-"` // directory concern, never hashed
}

// KeyID is a printable form of a key usable as a map key.
func KeyID(key []byte) string {
	return hex.EncodeToString(key)
}

// ShortKeyID is KeyID truncated for log lines.
func ShortKeyID(key []byte) string {
	id := KeyID(key)
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

// Same reports whether two identities carry the same name and key.
func (identity Identity) Same(other Identity) bool {
	return identity.Name == other.Name && bytes.Equal(identity.Key, other.Key)
}

func (identity Identity) String() string {
	return identity.Name
}

package ledger

import (
	"encoding/json"

	"github.com/dbogatov/car-ledger/helpers"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CommandType names the intent of a transition.
type CommandType string

const (
	CommandIssue    CommandType = "Issue"
	CommandRelocate CommandType = "Relocate"
)

// Command is the intent of a transition together with the keys that must sign it.
type Command struct {
	Type    CommandType
	Signers [][]byte
}

// TransactionProposal is an unsigned, uncommitted candidate transition.
type TransactionProposal struct {
	Inputs  []StateRef
	Outputs []TransactionState
	Command Command
	Notary  Identity
}

// CanonicalBytes is the deterministic encoding every party hashes and signs.
func (tp TransactionProposal) CanonicalBytes() []byte {
	// struct fields marshal in declaration order and nothing here is a map;
	// empty and nil slices must encode alike since transports do not preserve the difference
	canonical := tp
	if len(canonical.Inputs) == 0 {
		canonical.Inputs = nil
	}
	message, e := json.Marshal(canonical)
	if e != nil {
		panic(e)
	}
	return message
}

// Hash is the SHA3-256 digest signatures are computed over.
func (tp TransactionProposal) Hash() []byte {
	return helpers.Sha3(tp.CanonicalBytes())
}

// ID is the content address of the proposal.
func (tp TransactionProposal) ID() string {
	sum, e := multihash.Sum(tp.CanonicalBytes(), multihash.SHA2_256, -1)
	if e != nil {
		// only invalid codes fail
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// RequiredSigners is the union of the keys of every participant of every output.
func (tp TransactionProposal) RequiredSigners() (keys [][]byte) {
	seen := make(map[string]bool)
	for _, output := range tp.Outputs {
		for _, participant := range output.Participants() {
			id := KeyID(participant.Key)
			if seen[id] {
				continue
			}
			seen[id] = true
			keys = append(keys, participant.Key)
		}
	}
	return
}

// Participants returns every distinct participant of every output, in order of appearance.
func (tp TransactionProposal) Participants() (participants []Identity) {
	seen := make(map[string]bool)
	for _, output := range tp.Outputs {
		for _, participant := range output.Participants() {
			id := KeyID(participant.Key)
			if seen[id] {
				continue
			}
			seen[id] = true
			participants = append(participants, participant)
		}
	}
	return
}

// RequiresSigner reports whether key is one of the command signers.
func (tp TransactionProposal) RequiresSigner(key []byte) bool {
	id := KeyID(key)
	for _, signer := range tp.Command.Signers {
		if KeyID(signer) == id {
			return true
		}
	}
	return false
}

package ledger

import (
	"errors"
	"fmt"
	"sort"
)

// Signature is one party's signature over a proposal hash.
type Signature struct {
	By    []byte // signer public key
	Bytes []byte
}

// ErrDuplicateSigner ...
var ErrDuplicateSigner = errors.New("duplicate signer")

// SignaturePackage accumulates signatures over one proposal.
// Signatures are kept sorted by signer key and no signer appears twice.
type SignaturePackage struct {
	Signatures []Signature
}

// Add verifies the signature over hash and records it.
func (pkg *SignaturePackage) Add(hash []byte, signature Signature) error {
	if pkg.Has(signature.By) {
		return fmt.Errorf("%w: %s", ErrDuplicateSigner, ShortKeyID(signature.By))
	}
	if err := VerifySignature(signature.By, signature.Bytes, hash); err != nil {
		return err
	}

	pkg.Signatures = append(pkg.Signatures, signature)
	sort.Slice(pkg.Signatures, func(i, j int) bool {
		return KeyID(pkg.Signatures[i].By) < KeyID(pkg.Signatures[j].By)
	})

	return nil
}

// Has reports whether key already signed.
func (pkg SignaturePackage) Has(key []byte) bool {
	id := KeyID(key)
	for _, signature := range pkg.Signatures {
		if KeyID(signature.By) == id {
			return true
		}
	}
	return false
}

// Signers returns the set of signer keys.
func (pkg SignaturePackage) Signers() map[string]bool {
	signers := make(map[string]bool, len(pkg.Signatures))
	for _, signature := range pkg.Signatures {
		signers[KeyID(signature.By)] = true
	}
	return signers
}

// Missing returns the required keys that have not signed yet.
func (pkg SignaturePackage) Missing(required [][]byte) (missing [][]byte) {
	signers := pkg.Signers()
	for _, key := range required {
		if !signers[KeyID(key)] {
			missing = append(missing, key)
		}
	}
	return
}

// Covers reports whether the signer set is a superset of required.
func (pkg SignaturePackage) Covers(required [][]byte) bool {
	return len(pkg.Missing(required)) == 0
}

// Verify checks every signature over hash and that no signer repeats.
func (pkg SignaturePackage) Verify(hash []byte) error {
	seen := make(map[string]bool, len(pkg.Signatures))
	for _, signature := range pkg.Signatures {
		id := KeyID(signature.By)
		if seen[id] {
			return ErrDuplicateSigner
		}
		seen[id] = true
		if err := VerifySignature(signature.By, signature.Bytes, hash); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns an independent copy.
func (pkg SignaturePackage) Clone() SignaturePackage {
	return SignaturePackage{Signatures: append([]Signature(nil), pkg.Signatures...)}
}

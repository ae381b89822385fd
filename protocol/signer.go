package protocol

import (
	"github.com/dbogatov/car-ledger/ledger"
)

// SignLocal signs the proposal hash with keys. Nothing is persisted.
func SignLocal(proposal ledger.TransactionProposal, keys *ledger.KeysHolder) (signatures ledger.SignaturePackage, e error) {

	key := keys.PublicKey()
	if !proposal.RequiresSigner(key) {
		return ledger.SignaturePackage{}, ledger.AuthorizationError(ledger.ShortKeyID(key), "signer is not required by the proposal")
	}

	hash := proposal.Hash()
	e = signatures.Add(hash, ledger.Signature{By: key, Bytes: keys.Sign(hash)})

	return
}

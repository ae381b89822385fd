package ledger

import (
	"fmt"
)

// Certificate is the arbiter's statement that a transaction's inputs were
// consumed by that transaction and no other.
type Certificate struct {
	TxID      string
	Notary    []byte // notary public key
	Signature []byte // over the proposal hash
}

// FinalizedTransaction is a proposal with a covering signature set and a certificate.
type FinalizedTransaction struct {
	Proposal    TransactionProposal
	Signatures  SignaturePackage
	Certificate Certificate
}

// ID ...
func (tx FinalizedTransaction) ID() string {
	return tx.Proposal.ID()
}

// Verify checks the transaction is complete and certified by notaryKey.
func (tx FinalizedTransaction) Verify(notaryKey []byte) error {
	id := tx.Proposal.ID()
	hash := tx.Proposal.Hash()

	if tx.Certificate.TxID != id {
		return fmt.Errorf("certificate is for %s, transaction is %s", tx.Certificate.TxID, id)
	}
	if KeyID(tx.Certificate.Notary) != KeyID(notaryKey) {
		return fmt.Errorf("certificate is not issued by the transaction notary")
	}
	if err := VerifySignature(notaryKey, tx.Certificate.Signature, hash); err != nil {
		return fmt.Errorf("notary certificate: %w", err)
	}
	if err := tx.Signatures.Verify(hash); err != nil {
		return fmt.Errorf("signatures: %w", err)
	}
	if missing := tx.Signatures.Missing(tx.Proposal.Command.Signers); len(missing) > 0 {
		return fmt.Errorf("%d required signature(s) missing", len(missing))
	}
	return nil
}

package ledger

import (
	"errors"
	"fmt"

	"github.com/dbogatov/car-ledger/helpers"
	"github.com/dbogatov/dac-lib/dac"
)

// KeysHolder is a Schnorr signing key pair.
type KeysHolder struct {
	pk dac.PK
	sk dac.SK
}

// GenerateKeys ...
func GenerateKeys() (keys *KeysHolder) {
	sk, pk := dac.GenerateKeys(helpers.NewRand(), 0)

	keys = &KeysHolder{
		pk: pk,
		sk: sk,
	}

	return
}

// PublicKey returns the serialized public key.
func (keys *KeysHolder) PublicKey() []byte {
	return dac.PointToBytes(keys.pk)
}

// Sign returns a serialized Schnorr signature over message.
func (keys *KeysHolder) Sign(message []byte) []byte {
	schnorr := dac.MakeSchnorr(helpers.NewRand(), false)
	signature := schnorr.Sign(keys.sk, message)
	return signature.ToBytes()
}

// ErrInvalidSignature ...
var ErrInvalidSignature = errors.New("invalid signature")

// VerifySignature checks a serialized signature against a serialized public key.
func VerifySignature(key, signature, message []byte) (e error) {

	// malformed points make the curve library index out of range
	defer func() {
		if r := recover(); r != nil {
			e = fmt.Errorf("%w: malformed input: %v", ErrInvalidSignature, r)
		}
	}()

	if len(key) == 0 || len(signature) == 0 {
		return fmt.Errorf("%w: empty key or signature", ErrInvalidSignature)
	}

	pk, e := dac.PointFromBytes(key)
	if e != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, e)
	}

	schnorr := dac.MakeSchnorr(helpers.NewRand(), false)
	if e = schnorr.Verify(pk, *dac.SchnorrSignatureFromBytes(signature), message); e != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, e)
	}

	return
}

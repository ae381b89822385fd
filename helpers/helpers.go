package helpers

import (
	crand "crypto/rand"
	"math/big"
	"sync"

	"github.com/dbogatov/fabric-amcl/amcl"
)

// RandomBytes ...
func RandomBytes(prg *amcl.RAND, n int) (bytes []byte) {

	bytes = make([]byte, n)
	for i := 0; i < n; i++ {
		bytes[i] = prg.GetByte()
	}

	return
}

// PeerByHash maps a hash onto one of peers buckets.
func PeerByHash(hash []byte, peers int) (peer int) {
	if peers <= 0 {
		return 0
	}

	input := new(big.Int)
	input.SetBytes(hash)

	divisor := new(big.Int)
	divisor.SetInt64(int64(peers))

	result := new(big.Int)
	result = result.Mod(input, divisor)

	peer = int(result.Int64())

	return
}

// Sha3 ...
func Sha3(raw []byte) (hash []byte) {

	hash = make([]byte, 32)
	sha3 := amcl.NewSHA3(amcl.SHA3_HASH256)
	for i := 0; i < len(raw); i++ {
		sha3.Process(raw[i])
	}
	sha3.Hash(hash[:])

	return
}

// RandomString returns length characters drawn from upper case letters and digits.
func RandomString(prg *amcl.RAND, length int) string {
	const charset = "ABCDEFGHJKLMNPRSTUVWXYZ0123456789"

	b := make([]byte, length)
	for i := range b {
		r := prg.GetByte()
		b[i] = charset[int(r)%len(charset)]
	}
	return string(b)
}

var randMutex = &sync.Mutex{}

// NewRand returns an amcl PRG seeded from the OS entropy source.
func NewRand() (prg *amcl.RAND) {

	randMutex.Lock()
	defer randMutex.Unlock()

	var raw [32]byte
	if _, e := crand.Read(raw[:]); e != nil {
		panic(e)
	}

	prg = amcl.NewRAND()
	prg.Seed(len(raw), raw[:])

	return
}

// NewRandSeed ...
func NewRandSeed(seed []byte) (prg *amcl.RAND) {

	prg = amcl.NewRAND()
	prg.Seed(len(seed), seed)

	return
}

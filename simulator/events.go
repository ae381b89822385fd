package simulator

import (
	"time"

	"github.com/dbogatov/car-ledger/network"
	"github.com/dbogatov/car-ledger/protocol"
)

// CryptoEvent ...
type CryptoEvent string

const (
	sha3hash CryptoEvent = "hash"

	signSchnorr   CryptoEvent = "sign-schnorr"
	verifySchnorr CryptoEvent = "verify-schnorr"

	notarySign CryptoEvent = "notary-sign"
)

// cryptoEventsOf is the work the receiver of a message of kind does.
func cryptoEventsOf(message network.Message) (events []CryptoEvent) {
	switch message.Kind {
	case network.MsgProposal:
		events = append(events, sha3hash)
		if message.Signatures != nil {
			for range message.Signatures.Signatures {
				events = append(events, verifySchnorr)
			}
		}
	case network.MsgSignature:
		events = append(events, signSchnorr, verifySchnorr)
	case network.MsgCertify:
		events = append(events, sha3hash)
		if message.Signatures != nil {
			for range message.Signatures.Signatures {
				events = append(events, verifySchnorr)
			}
		}
	case network.MsgCertificate:
		events = append(events, notarySign, verifySchnorr)
	case network.MsgFinalized:
		events = append(events, sha3hash, verifySchnorr)
	}
	return
}

func (exec *ExecutionParameters) recordCryptoEvent(event CryptoEvent) {
	exec.lock.Lock()
	defer exec.lock.Unlock()

	exec.cryptoEvents[event]++
}

// TransactionTimingInfo ...
type TransactionTimingInfo struct {
	start time.Time
	end   time.Time

	collectionStart time.Time
	collectionEnd   time.Time

	finalityStart time.Time
	finalityEnd   time.Time
}

func timingInfoOf(timings protocol.Timings) TransactionTimingInfo {
	return TransactionTimingInfo{
		start:           timings.Start,
		end:             timings.End,
		collectionStart: timings.CollectStart,
		collectionEnd:   timings.CollectEnd,
		finalityStart:   timings.FinalityStart,
		finalityEnd:     timings.FinalityEnd,
	}
}

func (exec *ExecutionParameters) recordTransactionTimingInfo(info TransactionTimingInfo) {
	exec.lock.Lock()
	defer exec.lock.Unlock()

	exec.transactionTimings = append(exec.transactionTimings, info)
}

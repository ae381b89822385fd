// Package vault is the ledger store: finalized transactions and the states
// they produced, as seen by one node.
package vault

import (
	"context"
	"errors"

	"github.com/dbogatov/car-ledger/ledger"
)

// Status selects states by whether a later transaction consumed them.
type Status int

const (
	// StatusAll is the zero value so that an empty Criteria matches everything.
	StatusAll Status = iota
	StatusUnconsumed
	StatusConsumed
)

// Criteria filters a Query. Zero fields match anything.
type Criteria struct {
	LinearID ledger.LinearID
	VIN      string
	Status   Status
}

// Store ...
type Store interface {
	// Write records a finalized transaction. Writing the same transaction
	// twice leaves a single record.
	Write(ctx context.Context, tx ledger.FinalizedTransaction) error
	Query(ctx context.Context, criteria Criteria) ([]ledger.StateAndRef, error)
	Transaction(ctx context.Context, txID string) (ledger.FinalizedTransaction, bool, error)
}

// CheckpointLog persists opaque protocol checkpoints keyed by instance id.
type CheckpointLog interface {
	PutCheckpoint(ctx context.Context, instanceID string, terminal bool, record []byte) error
	Checkpoint(ctx context.Context, instanceID string) ([]byte, bool, error)
	PendingCheckpoints(ctx context.Context) ([][]byte, error)
}

// ErrUnknownStateKind is returned when a transaction carries a state this store cannot project.
var ErrUnknownStateKind = errors.New("unknown state kind")

func (criteria Criteria) matches(state ledger.StateAndRef) bool {
	switch criteria.Status {
	case StatusUnconsumed:
		if state.Consumed {
			return false
		}
	case StatusConsumed:
		if !state.Consumed {
			return false
		}
	}

	switch state.State.Kind {
	case ledger.KindCar:
		car := state.State.Car
		if car == nil {
			return false
		}
		if criteria.VIN != "" && car.VIN != criteria.VIN {
			return false
		}
		if criteria.LinearID.Defined() && car.LinearID.ID != criteria.LinearID.ID {
			return false
		}
		return true
	default:
		return false
	}
}

// CarModel is the flat projection of a car returned to callers.
type CarModel struct {
	OwningBank         string `json:"owningBank"`
	HoldingDealer      string `json:"holdingDealer"`
	Manufacturer       string `json:"manufacturer"`
	VIN                string `json:"vin"`
	LicensePlateNumber string `json:"licensePlateNumber"`
	Make               string `json:"make"`
	Model              string `json:"model"`
	DealershipLocation string `json:"dealershipLocation"`
	LinearID           string `json:"linearId"`
}

// Project maps car states to CarModel, skipping other kinds.
func Project(states []ledger.StateAndRef) []CarModel {
	models := make([]CarModel, 0, len(states))
	for _, state := range states {
		switch state.State.Kind {
		case ledger.KindCar:
			if car := state.State.Car; car != nil {
				models = append(models, CarModel{
					OwningBank:         car.OwningBank.Name,
					HoldingDealer:      car.HoldingDealer.Name,
					Manufacturer:       car.Manufacturer.Name,
					VIN:                car.VIN,
					LicensePlateNumber: car.LicensePlateNumber,
					Make:               car.Make,
					Model:              car.Model,
					DealershipLocation: car.DealershipLocation,
					LinearID:           car.LinearID.String(),
				})
			}
		}
	}
	return models
}

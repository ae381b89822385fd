package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// LinearID identifies a linear state across all of its versions.
type LinearID struct {
	ExternalID string `json:",omitempty"`
	ID         uuid.UUID
}

// NewLinearID returns a fresh random identifier.
func NewLinearID() LinearID {
	return LinearID{ID: uuid.New()}
}

// ParseLinearID ...
func ParseLinearID(raw string) (LinearID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return LinearID{}, fmt.Errorf("parse linear id %q: %w", raw, err)
	}
	return LinearID{ID: id}, nil
}

// Defined reports whether the identifier was ever assigned.
func (id LinearID) Defined() bool {
	return id.ID != uuid.Nil
}

func (id LinearID) String() string {
	if id.ExternalID != "" {
		return id.ExternalID + "_" + id.ID.String()
	}
	return id.ID.String()
}

// CarFields is the domain payload of a car.
type CarFields struct {
	VIN                string
	LicensePlateNumber string
	Make               string
	Model              string
	DealershipLocation string
}

// CarState is one issued car, jointly held by a bank, a dealer and its manufacturer.
type CarState struct {
	OwningBank    Identity
	HoldingDealer Identity
	Manufacturer  Identity
	CarFields
	LinearID LinearID
}

// Participants returns every party that must sign a transition touching this state.
func (car CarState) Participants() []Identity {
	return []Identity{car.OwningBank, car.HoldingDealer, car.Manufacturer}
}

// StateKind tags the closed set of state variants.
type StateKind string

// KindCar ...
const KindCar StateKind = "car"

// TransactionState is a tagged variant holding exactly one state, selected by Kind.
type TransactionState struct {
	Kind StateKind
	Car  *CarState `json:",omitempty"`
}

// CarOutput wraps a car as a transaction state.
func CarOutput(car CarState) TransactionState {
	return TransactionState{Kind: KindCar, Car: &car}
}

// Participants of whatever state the variant holds.
func (ts TransactionState) Participants() []Identity {
	switch ts.Kind {
	case KindCar:
		if ts.Car != nil {
			return ts.Car.Participants()
		}
	}
	return nil
}

// StateRef points at one output of a finalized transaction.
type StateRef struct {
	TxID  string
	Index int
}

func (ref StateRef) String() string {
	return fmt.Sprintf("%s(%d)", ref.TxID, ref.Index)
}

// StateAndRef is a state together with the reference it was produced under.
type StateAndRef struct {
	State    TransactionState
	Ref      StateRef
	Consumed bool
}

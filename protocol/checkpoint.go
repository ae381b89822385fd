package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dbogatov/car-ledger/vault"
)

// Checkpoints persists instance records through a vault checkpoint log.
type Checkpoints struct {
	log vault.CheckpointLog
}

// MakeCheckpoints ...
func MakeCheckpoints(log vault.CheckpointLog) *Checkpoints {
	return &Checkpoints{log: log}
}

// Save ...
func (checkpoints *Checkpoints) Save(ctx context.Context, instance *Instance) error {
	instance.Updated = time.Now().UTC()

	record, e := json.Marshal(instance)
	if e != nil {
		return fmt.Errorf("encode instance %s: %w", instance.ID, e)
	}
	return checkpoints.log.PutCheckpoint(ctx, instance.ID, instance.State.Terminal(), record)
}

// Load ...
func (checkpoints *Checkpoints) Load(ctx context.Context, instanceID string) (*Instance, bool, error) {
	record, found, e := checkpoints.log.Checkpoint(ctx, instanceID)
	if e != nil || !found {
		return nil, found, e
	}

	instance := &Instance{}
	if e = json.Unmarshal(record, instance); e != nil {
		return nil, false, fmt.Errorf("decode instance %s: %w", instanceID, e)
	}
	return instance, true, nil
}

// Pending returns every instance that stopped short of a terminal state.
func (checkpoints *Checkpoints) Pending(ctx context.Context) ([]*Instance, error) {
	records, e := checkpoints.log.PendingCheckpoints(ctx)
	if e != nil {
		return nil, e
	}

	instances := make([]*Instance, 0, len(records))
	for _, record := range records {
		instance := &Instance{}
		if e = json.Unmarshal(record, instance); e != nil {
			return nil, fmt.Errorf("decode instance: %w", e)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

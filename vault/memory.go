package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/dbogatov/car-ledger/ledger"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]ledger.FinalizedTransaction
	states       []ledger.StateAndRef
	checkpoints  map[string]memoryCheckpoint
}

type memoryCheckpoint struct {
	terminal bool
	record   []byte
	order    int
}

// MakeMemoryStore ...
func MakeMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]ledger.FinalizedTransaction),
		checkpoints:  make(map[string]memoryCheckpoint),
	}
}

// Write ...
func (store *MemoryStore) Write(ctx context.Context, tx ledger.FinalizedTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, output := range tx.Proposal.Outputs {
		if output.Kind != ledger.KindCar {
			return fmt.Errorf("%w: %q", ErrUnknownStateKind, output.Kind)
		}
	}

	id := tx.ID()

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, exists := store.transactions[id]; exists {
		return nil
	}
	store.transactions[id] = tx

	for _, input := range tx.Proposal.Inputs {
		for i := range store.states {
			if store.states[i].Ref == input {
				store.states[i].Consumed = true
			}
		}
	}
	for index, output := range tx.Proposal.Outputs {
		store.states = append(store.states, ledger.StateAndRef{
			State: output,
			Ref:   ledger.StateRef{TxID: id, Index: index},
		})
	}

	return nil
}

// Query ...
func (store *MemoryStore) Query(ctx context.Context, criteria Criteria) (result []ledger.StateAndRef, e error) {
	if e = ctx.Err(); e != nil {
		return nil, e
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	for _, state := range store.states {
		if criteria.matches(state) {
			result = append(result, state)
		}
	}
	return
}

// Transaction ...
func (store *MemoryStore) Transaction(ctx context.Context, txID string) (ledger.FinalizedTransaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.FinalizedTransaction{}, false, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	tx, found := store.transactions[txID]
	return tx, found, nil
}

// PutCheckpoint ...
func (store *MemoryStore) PutCheckpoint(ctx context.Context, instanceID string, terminal bool, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	order := len(store.checkpoints)
	if previous, exists := store.checkpoints[instanceID]; exists {
		order = previous.order
	}
	store.checkpoints[instanceID] = memoryCheckpoint{
		terminal: terminal,
		record:   append([]byte(nil), record...),
		order:    order,
	}
	return nil
}

// Checkpoint ...
func (store *MemoryStore) Checkpoint(ctx context.Context, instanceID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	checkpoint, found := store.checkpoints[instanceID]
	if !found {
		return nil, false, nil
	}
	return append([]byte(nil), checkpoint.record...), true, nil
}

// PendingCheckpoints returns non-terminal records in the order instances were first saved.
func (store *MemoryStore) PendingCheckpoints(ctx context.Context) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	pending := make([][]byte, len(store.checkpoints))
	for _, checkpoint := range store.checkpoints {
		if !checkpoint.terminal {
			pending[checkpoint.order] = append([]byte(nil), checkpoint.record...)
		}
	}

	result := pending[:0]
	for _, record := range pending {
		if record != nil {
			result = append(result, record)
		}
	}
	return result, nil
}

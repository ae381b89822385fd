package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbogatov/car-ledger/contract"
	"github.com/dbogatov/car-ledger/ledger"
	"github.com/dbogatov/car-ledger/network"
	"github.com/dbogatov/car-ledger/vault"
	"github.com/google/uuid"
)

// Initiator runs protocol instances started by this node.
type Initiator struct {
	Party

	builder     *Builder
	finality    *Finality
	checkpoints *Checkpoints
	timeout     time.Duration
	metrics     *Metrics

	mu      sync.Mutex
	running map[string]bool
}

// MakeInitiator ...
func MakeInitiator(party Party, checkpoints *Checkpoints, timeout time.Duration, metrics *Metrics) (initiator *Initiator) {

	initiator = &Initiator{
		Party:       party,
		builder:     MakeBuilder(party.Directory),
		finality:    MakeFinality(party.Identity, party.Transport, party.Store),
		checkpoints: checkpoints,
		timeout:     timeout,
		metrics:     metrics,
		running:     make(map[string]bool),
	}

	return
}

// Issue creates a new car with this node as its manufacturer.
// Builder errors are returned before any instance exists.
func (initiator *Initiator) Issue(ctx context.Context, fields ledger.CarFields) (Result, error) {
	logger.Infof("%s: generating transaction for car %s", initiator.Identity.Name, fields.VIN)

	proposal, e := initiator.builder.Issue(initiator.Identity, fields)
	if e != nil {
		return Result{}, e
	}
	return initiator.Propose(ctx, proposal)
}

// Relocate moves the current version of a car to a new dealership location.
func (initiator *Initiator) Relocate(ctx context.Context, linearID ledger.LinearID, location, plate string) (Result, error) {
	logger.Infof("%s: generating relocation of %s", initiator.Identity.Name, linearID)

	states, e := initiator.Store.Query(ctx, vault.Criteria{LinearID: linearID, Status: vault.StatusUnconsumed})
	if e != nil {
		return Result{}, ledger.PersistenceError(initiator.Identity.Name, e)
	}
	if len(states) != 1 {
		return Result{}, ledger.ContractViolation(contract.RuleInputKnown, "expected one unconsumed version of %s, found %d", linearID, len(states))
	}

	proposal, e := initiator.builder.Relocate(initiator.Identity, states[0], location, plate)
	if e != nil {
		return Result{}, e
	}
	return initiator.Propose(ctx, proposal)
}

// Propose starts an instance for an already built proposal.
func (initiator *Initiator) Propose(ctx context.Context, proposal ledger.TransactionProposal) (Result, error) {
	instance := &Instance{
		ID:       uuid.NewString(),
		State:    StateBuilding,
		Command:  proposal.Command.Type,
		Proposal: proposal,
	}
	if e := initiator.save(ctx, instance); e != nil {
		return Result{}, e
	}
	return initiator.drive(ctx, instance)
}

// Resume drives a checkpointed instance on from where it stopped.
// Terminal instances are reported as they are.
func (initiator *Initiator) Resume(ctx context.Context, instanceID string) (Result, error) {
	instance, found, e := initiator.checkpoints.Load(ctx, instanceID)
	if e != nil {
		return Result{}, ledger.PersistenceError(initiator.Identity.Name, e)
	}
	if !found {
		return Result{}, fmt.Errorf("unknown instance %s", instanceID)
	}
	if instance.State.Terminal() {
		return instance.result(), nil
	}

	logger.Infof("%s: resuming %s from %s", initiator.Identity.Name, instance.ID, instance.State)
	return initiator.drive(ctx, instance)
}

// Recover resumes every instance left unfinished, oldest first.
func (initiator *Initiator) Recover(ctx context.Context) (results []Result, e error) {
	pending, e := initiator.checkpoints.Pending(ctx)
	if e != nil {
		return nil, ledger.PersistenceError(initiator.Identity.Name, e)
	}

	var failures []error
	for _, instance := range pending {
		result, failure := initiator.Resume(ctx, instance.ID)
		if failure != nil {
			failures = append(failures, fmt.Errorf("instance %s: %w", instance.ID, failure))
		}
		results = append(results, result)
	}

	if len(pending) > 0 {
		logger.Noticef("%s: recovered %d instance(s), %d still failing", initiator.Identity.Name, len(pending), len(failures))
	}

	return results, errors.Join(failures...)
}

func (initiator *Initiator) claim(instanceID string) bool {
	initiator.mu.Lock()
	defer initiator.mu.Unlock()

	if initiator.running[instanceID] {
		return false
	}
	initiator.running[instanceID] = true
	return true
}

func (initiator *Initiator) release(instanceID string) {
	initiator.mu.Lock()
	defer initiator.mu.Unlock()

	delete(initiator.running, instanceID)
}

// drive steps the instance until it is terminal or a step fails.
func (initiator *Initiator) drive(ctx context.Context, instance *Instance) (result Result, e error) {

	if !initiator.claim(instance.ID) {
		return instance.result(), fmt.Errorf("instance %s is already running", instance.ID)
	}
	defer initiator.release(instance.ID)

	run := &run{timings: Timings{Start: time.Now()}}
	defer func() {
		for _, session := range run.sessions {
			session.Close()
		}
	}()

	for e == nil && !instance.State.Terminal() {
		e = initiator.step(ctx, instance, run)
	}
	run.timings.End = time.Now()

	initiator.metrics.countInstance(instance.Command, instance.State)
	initiator.metrics.observePhase("total", run.timings.Start)

	switch {
	case instance.State == StateCommitted:
		logger.Infof("%s: %s committed as %s", initiator.Identity.Name, instance.ID, instance.Proposal.ID())
	case instance.State == StateAborted:
		logger.Errorf("%s: %s aborted: %v", initiator.Identity.Name, instance.ID, e)
	default:
		logger.Warningf("%s: %s stopped in %s: %v", initiator.Identity.Name, instance.ID, instance.State, e)
	}

	result = instance.result()
	result.Undelivered = run.undelivered
	result.Timings = run.timings

	return
}

// run is the in-memory part of one drive, lost on restart.
type run struct {
	sessions    []network.Session
	undelivered []DeliveryFailure
	timings     Timings
}

func (initiator *Initiator) step(ctx context.Context, instance *Instance, run *run) error {
	me := initiator.Identity.Name

	switch instance.State {

	case StateBuilding:
		return initiator.advance(ctx, instance, StateLocalVerify)

	case StateLocalVerify:
		logger.Infof("%s: %s verifying contract constraints", me, instance.ID)
		if failure := initiator.verify(ctx, instance.Proposal); failure != nil {
			if ledger.IsKind(failure, ledger.KindPersistence) {
				return failure
			}
			return initiator.abort(ctx, instance, failure)
		}
		return initiator.advance(ctx, instance, StateLocalSign)

	case StateLocalSign:
		logger.Infof("%s: %s signing transaction", me, instance.ID)
		signatures, e := SignLocal(instance.Proposal, initiator.Keys)
		if e != nil {
			return e
		}
		instance.Signatures = signatures
		return initiator.advance(ctx, instance, StateCollecting)

	case StateCollecting:
		logger.Infof("%s: %s gathering counterparty signatures", me, instance.ID)
		run.timings.CollectStart = time.Now()

		collectCtx, cancel := withTimeout(ctx, initiator.timeout)
		signatures, sessions, e := Collect(collectCtx, initiator.Transport, initiator.Identity, instance.ID, instance.Proposal, instance.Signatures)
		cancel()

		run.timings.CollectEnd = time.Now()
		initiator.metrics.observePhase("collect", run.timings.CollectStart)

		if e != nil {
			if ledger.IsKind(e, ledger.KindCounterpartyRejected) {
				return initiator.abort(ctx, instance, e)
			}
			return e
		}
		run.sessions = sessions
		instance.Signatures = signatures
		return initiator.advance(ctx, instance, StateRequestingFinality)

	case StateRequestingFinality:
		logger.Infof("%s: %s obtaining notary signature and recording transaction", me, instance.ID)
		run.timings.FinalityStart = time.Now()
		defer func() {
			run.timings.FinalityEnd = time.Now()
			initiator.metrics.observePhase("finality", run.timings.FinalityStart)
		}()

		finalityCtx, cancel := withTimeout(ctx, initiator.timeout)
		defer cancel()

		if instance.Transaction == nil {
			tx, e := initiator.finality.Certify(finalityCtx, instance.ID, instance.Proposal, instance.Signatures)
			if e != nil {
				if ledger.Retryable(e) {
					return e
				}
				return initiator.abort(ctx, instance, e)
			}
			instance.Transaction = &tx
			if e = initiator.save(ctx, instance); e != nil {
				return e
			}
		}

		result, e := initiator.finality.Commit(finalityCtx, instance.ID, *instance.Transaction, run.sessions)
		if e != nil {
			return e
		}
		run.undelivered = result.Undelivered
		return initiator.advance(ctx, instance, StateCommitted)

	default:
		return fmt.Errorf("%w: no step from %s", ErrIllegalTransition, instance.State)
	}
}

// verify runs the contract and checks this node is a required signer.
func (initiator *Initiator) verify(ctx context.Context, proposal ledger.TransactionProposal) error {
	input, e := lookupInput(ctx, initiator.Store, proposal)
	if e != nil {
		return ledger.PersistenceError(initiator.Identity.Name, e)
	}
	if e = contract.VerifyTransition(proposal, input); e != nil {
		return e
	}
	if !proposal.RequiresSigner(initiator.Keys.PublicKey()) {
		return ledger.AuthorizationError(initiator.Identity.Name, "initiator is not a signer of the proposal")
	}
	return nil
}

func (initiator *Initiator) advance(ctx context.Context, instance *Instance, to State) error {
	if e := instance.transition(to); e != nil {
		return e
	}
	return initiator.save(ctx, instance)
}

// abort records the failure and moves the instance to ABORTED. It returns cause.
func (initiator *Initiator) abort(ctx context.Context, instance *Instance, cause error) error {
	instance.FailureKind = ledger.KindOf(cause)
	instance.Failure = cause.Error()
	if e := initiator.advance(ctx, instance, StateAborted); e != nil {
		return errors.Join(cause, e)
	}
	return cause
}

func (initiator *Initiator) save(ctx context.Context, instance *Instance) error {
	if e := initiator.checkpoints.Save(ctx, instance); e != nil {
		return ledger.PersistenceError(initiator.Identity.Name, e)
	}
	return nil
}

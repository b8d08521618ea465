package proposal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iambrandonn/gatekeep/internal/apperr"
	"github.com/iambrandonn/gatekeep/internal/delegation"
)

// ErrClaimed is returned when another accept already holds the proposal.
var ErrClaimed = errors.New("proposal is being applied")

// Repository enforces one pending proposal per session and keeps each
// proposal paired with its delegation state.
type Repository struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
	// claimed maps session id to the proposal id an accept is applying.
	// Claimed records are neither expired nor rejected.
	claimed map[string]string
}

// NewRepository wraps store. now defaults to time.Now.
func NewRepository(store Store, now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{store: store, now: now, claimed: make(map[string]string)}
}

// Create stores p for its session. The delegation run already succeeded, so
// the paired state is driven queued -> running -> proposal_ready here.
func (r *Repository) Create(p Proposal) (Record, error) {
	if p.ID == "" || p.SessionID == "" {
		return Record{}, apperr.Validation("proposal needs an id and a session id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.store.Get(p.SessionID); ok {
		return Record{}, apperr.Conflict(fmt.Sprintf("session %s already has a pending proposal (%s)", p.SessionID, existing.Proposal.ID))
	}

	now := r.now().UTC()
	state, err := delegation.ApplyAll(delegation.Initial(now), now,
		delegation.Start(), delegation.Succeeded(p.ID))
	if err != nil {
		return Record{}, apperr.Wrap(err, apperr.CodeInternal, "failed to initialise delegation state")
	}

	rec := Record{Proposal: p, State: state}
	if err := r.store.Set(rec); err != nil {
		return Record{}, apperr.Wrap(err, apperr.CodeInternal, "failed to store proposal")
	}
	return rec, nil
}

// Get returns the session's record. A non-empty expectedID must match.
func (r *Repository) Get(sessionID, expectedID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolve(sessionID, expectedID)
}

func (r *Repository) resolve(sessionID, expectedID string) (Record, error) {
	rec, ok := r.store.Get(sessionID)
	if !ok {
		return Record{}, apperr.NotFound("no pending proposal")
	}
	if expectedID != "" && expectedID != rec.Proposal.ID {
		return Record{}, apperr.Wrap(
			&delegation.MismatchError{Expected: expectedID, Actual: rec.Proposal.ID},
			apperr.CodeConflict, "proposal id mismatch")
	}
	return rec, nil
}

// Claim resolves the session's record and holds it until Accept or Release.
// While held, ExpireStale skips it and Reject fails with ErrClaimed.
func (r *Repository) Claim(sessionID, expectedID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.resolve(sessionID, expectedID)
	if err != nil {
		return Record{}, err
	}
	if _, held := r.claimed[sessionID]; held {
		return Record{}, apperr.Wrap(ErrClaimed, apperr.CodeConflict, "proposal is already claimed")
	}
	r.claimed[sessionID] = rec.Proposal.ID
	return rec, nil
}

// Release drops the claim on proposalID. It is a no-op once Accept has
// resolved the proposal.
func (r *Repository) Release(sessionID, proposalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed[sessionID] == proposalID {
		delete(r.claimed, sessionID)
	}
}

// Pending returns the session's proposal unless it has expired at now.
func (r *Repository) Pending(sessionID string, now time.Time) (Proposal, bool) {
	rec, ok := r.store.Get(sessionID)
	if !ok || rec.Proposal.Expired(now) {
		return Proposal{}, false
	}
	return rec.Proposal, true
}

// Accept marks the proposal accepted and removes it. The caller must already
// have applied the patch.
func (r *Repository) Accept(sessionID, expectedID string) (Proposal, delegation.State, error) {
	return r.resolveAndRemove(sessionID, delegation.Accept(expectedID), true)
}

// Reject marks the proposal rejected and removes it.
func (r *Repository) Reject(sessionID, expectedID string) (Proposal, delegation.State, error) {
	return r.resolveAndRemove(sessionID, delegation.Reject(expectedID), false)
}

func (r *Repository) resolveAndRemove(sessionID string, evt delegation.Event, claimOK bool) (Proposal, delegation.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.resolve(sessionID, evt.ProposalID)
	if err != nil {
		return Proposal{}, delegation.State{}, err
	}
	if _, held := r.claimed[sessionID]; held && !claimOK {
		return Proposal{}, delegation.State{}, apperr.Wrap(ErrClaimed, apperr.CodeConflict, "proposal is being applied")
	}

	next, err := delegation.Apply(rec.State, evt, r.now())
	if err != nil {
		var mm *delegation.MismatchError
		if errors.As(err, &mm) {
			return Proposal{}, delegation.State{}, apperr.Wrap(err, apperr.CodeConflict, "proposal id mismatch")
		}
		return Proposal{}, delegation.State{}, apperr.Wrap(err, apperr.CodeInvalidTransition, "proposal cannot be resolved")
	}

	if err := r.store.Delete(sessionID); err != nil {
		return Proposal{}, delegation.State{}, apperr.Wrap(err, apperr.CodeInternal, "failed to remove proposal")
	}
	delete(r.claimed, sessionID)
	return rec.Proposal, next, nil
}

// ExpireStale removes every unclaimed record whose proposal expired at now
// and returns the removed proposals for artifact cleanup. Records are dropped
// even when their state can no longer take the expire event.
func (r *Repository) ExpireStale(now time.Time) ([]Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		expired []Proposal
		errs    []error
	)
	for _, rec := range r.store.List() {
		if !rec.Proposal.Expired(now) {
			continue
		}
		if _, held := r.claimed[rec.Proposal.SessionID]; held {
			continue
		}
		// A refused transition means the state was already terminal; the
		// record is stale either way.
		_, _ = delegation.Apply(rec.State, delegation.Expire(), now)

		if err := r.store.Delete(rec.Proposal.SessionID); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", rec.Proposal.SessionID, err))
			continue
		}
		expired = append(expired, rec.Proposal)
	}
	return expired, errors.Join(errs...)
}

// List returns every stored record.
func (r *Repository) List() []Record {
	return r.store.List()
}

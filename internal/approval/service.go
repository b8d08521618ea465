// Package approval resolves pending proposals in response to accept, reject
// and pending commands.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iambrandonn/gatekeep/internal/apperr"
	"github.com/iambrandonn/gatekeep/internal/delegation"
	"github.com/iambrandonn/gatekeep/internal/eventlog"
	"github.com/iambrandonn/gatekeep/internal/proposal"
	"github.com/iambrandonn/gatekeep/internal/worktree"
)

// Trust is the trust level of the channel a command arrived on.
type Trust int

const (
	TrustHigh Trust = iota
	// TrustLow channels may inspect and reject proposals but not apply
	// them unless AllowLowTrustApply is set.
	TrustLow
)

// Outcome tags a Reply.
type Outcome string

const (
	OutcomeNone          Outcome = "none"
	OutcomeInvalid       Outcome = "invalid"
	OutcomePending       Outcome = "pending"
	OutcomeNothing       Outcome = "nothing_pending"
	OutcomeMismatch      Outcome = "mismatch"
	OutcomeRefused       Outcome = "refused"
	OutcomePrecondition  Outcome = "precondition_failed"
	OutcomeApplyFailed   Outcome = "apply_failed"
	OutcomeAccepted      Outcome = "accepted"
	OutcomeRejected      Outcome = "rejected"
	OutcomeExpired       Outcome = "expired"
	OutcomeInternalError Outcome = "error"
)

// Reply is the result of handling a command.
type Reply struct {
	Outcome      Outcome
	Text         string
	Proposal     *proposal.View
	ChangedFiles int
}

// Resolution is delivered to listeners when a proposal leaves the store.
type Resolution struct {
	SessionID  string
	ProposalID string
	Outcome    Outcome // accepted, rejected or expired
	State      delegation.State
}

// Listener observes resolutions. It runs synchronously inside Handle.
type Listener func(ctx context.Context, r Resolution)

// Patcher is the slice of worktree.Executor needed to resolve proposals.
type Patcher interface {
	CheckAcceptPreconditions(ctx context.Context, p proposal.Proposal) error
	ApplyPatch(ctx context.Context, p proposal.Proposal) error
	Cleanup(ctx context.Context, p proposal.Proposal) error
}

// History receives the synthetic notes written for each command.
type History interface {
	AppendNote(sessionID, text string)
}

// Options configures a Service.
type Options struct {
	Trust              Trust
	AllowLowTrustApply bool
	History            History
	Sink               eventlog.Sink
	Logger             *slog.Logger
	Now                func() time.Time
}

// Service handles approval commands for every session.
type Service struct {
	repo    *proposal.Repository
	patcher Patcher
	opts    Options
	logger  *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

type discardHistory struct{}

func (discardHistory) AppendNote(string, string) {}

// NewService wires the repository to the patcher.
func NewService(repo *proposal.Repository, patcher Patcher, opts Options) *Service {
	if opts.History == nil {
		opts.History = discardHistory{}
	}
	if opts.Sink == nil {
		opts.Sink = eventlog.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{repo: repo, patcher: patcher, opts: opts, logger: opts.Logger}
}

// OnResolve registers l for accepted, rejected and expired outcomes.
func (s *Service) OnResolve(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Handle executes cmd for sessionID. Stale proposals are expired first; an
// accept or reject aimed at one of them reports the expiry.
func (s *Service) Handle(ctx context.Context, sessionID string, cmd Command) Reply {
	expired := s.ExpireStale(ctx)

	if cmd.Kind == KindAccept || cmd.Kind == KindReject {
		for _, p := range expired {
			if p.SessionID != sessionID || (cmd.ProposalID != "" && cmd.ProposalID != p.ID) {
				continue
			}
			return Reply{Outcome: OutcomeExpired, Text: fmt.Sprintf("Proposal %s expired and was discarded.", p.ID)}
		}
	}

	switch cmd.Kind {
	case KindPending:
		return s.pending(sessionID)
	case KindReject:
		return s.reject(ctx, sessionID, cmd.ProposalID)
	case KindAccept:
		return s.accept(ctx, sessionID, cmd.ProposalID)
	case KindInvalid:
		s.note(sessionID, "The user sent an approval command that could not be understood.")
		return Reply{Outcome: OutcomeInvalid, Text: "Usage: accept [id] | reject [id] | pending"}
	default:
		return Reply{Outcome: OutcomeNone}
	}
}

// ExpireStale drops every expired proposal, cleans up its artifacts and
// notifies listeners.
func (s *Service) ExpireStale(ctx context.Context) []proposal.Proposal {
	now := s.opts.Now()
	expired, err := s.repo.ExpireStale(now)
	if err != nil {
		s.logger.Warn("failed to expire some proposals", "error", err)
	}
	for _, p := range expired {
		s.cleanup(ctx, p)
		s.emit(ctx, eventlog.TypeApprovalExpired, p.SessionID, map[string]any{
			"proposal_id": p.ID,
			"expired_at":  p.ExpiresAt,
		})
		s.note(p.SessionID, fmt.Sprintf("Proposal %s expired without review and was discarded.", p.ID))
		s.notify(ctx, Resolution{
			SessionID:  p.SessionID,
			ProposalID: p.ID,
			Outcome:    OutcomeExpired,
			State:      delegation.State{Status: delegation.StatusExpired, ChangedAt: now.UTC(), ProposalID: p.ID},
		})
	}
	return expired
}

func (s *Service) pending(sessionID string) Reply {
	p, ok := s.repo.Pending(sessionID, s.opts.Now())
	if !ok {
		s.note(sessionID, "The user asked for pending changes; none are waiting.")
		return Reply{Outcome: OutcomeNothing, Text: "No changes are pending review."}
	}
	view := p.View()
	s.note(sessionID, fmt.Sprintf("The user reviewed pending proposal %s.", p.ID))
	return Reply{
		Outcome:      OutcomePending,
		Text:         fmt.Sprintf("Proposal %s changes %d file(s); expires %s.", p.ID, len(p.ChangedFiles), p.ExpiresAt.Format(time.RFC3339)),
		Proposal:     &view,
		ChangedFiles: len(p.ChangedFiles),
	}
}

func (s *Service) reject(ctx context.Context, sessionID, id string) Reply {
	p, state, err := s.repo.Reject(sessionID, id)
	if err != nil {
		return s.resolveFailure(sessionID, "reject", err)
	}

	s.cleanup(ctx, p)
	s.emit(ctx, eventlog.TypeApprovalRejected, sessionID, map[string]any{"proposal_id": p.ID})
	s.note(sessionID, fmt.Sprintf("The user rejected proposal %s; its changes were discarded.", p.ID))
	s.notify(ctx, Resolution{SessionID: sessionID, ProposalID: p.ID, Outcome: OutcomeRejected, State: state})
	return Reply{Outcome: OutcomeRejected, Text: fmt.Sprintf("Rejected proposal %s.", p.ID), ChangedFiles: len(p.ChangedFiles)}
}

func (s *Service) accept(ctx context.Context, sessionID, id string) Reply {
	if s.opts.Trust == TrustLow && !s.opts.AllowLowTrustApply {
		s.emit(ctx, eventlog.TypeApprovalRefused, sessionID, map[string]any{
			"proposal_id": id,
			"reason":      "low_trust_channel",
		})
		s.note(sessionID, "The user tried to apply changes from a channel that may not apply them.")
		return Reply{Outcome: OutcomeRefused, Text: "This channel is not allowed to apply changes. Accept from a trusted channel instead."}
	}

	// The claim keeps expiry and reject away from the record until the
	// patch is applied and the proposal resolved.
	rec, err := s.repo.Claim(sessionID, id)
	if err != nil {
		return s.resolveFailure(sessionID, "accept", err)
	}
	p := rec.Proposal
	defer s.repo.Release(sessionID, p.ID)

	if err := s.patcher.CheckAcceptPreconditions(ctx, p); err != nil {
		s.emit(ctx, eventlog.TypeApprovalRefused, sessionID, map[string]any{
			"proposal_id": p.ID,
			"reason":      "precondition",
			"error":       err.Error(),
		})
		s.note(sessionID, fmt.Sprintf("Proposal %s could not be applied yet; it is still pending.", p.ID))
		return Reply{Outcome: OutcomePrecondition, Text: preconditionText(err)}
	}

	if err := s.patcher.ApplyPatch(ctx, p); err != nil {
		s.emit(ctx, eventlog.TypeApprovalRefused, sessionID, map[string]any{
			"proposal_id": p.ID,
			"reason":      "apply",
			"error":       err.Error(),
		})
		s.note(sessionID, fmt.Sprintf("Applying proposal %s failed; it is still pending.", p.ID))
		text := "The patch could not be applied; the proposal is still pending."
		var ae *worktree.ApplyError
		if errors.As(err, &ae) && ae.Detail != "" {
			text += "\n" + ae.Detail
		}
		return Reply{Outcome: OutcomeApplyFailed, Text: text}
	}

	accepted, state, err := s.repo.Accept(sessionID, p.ID)
	if err != nil {
		// The patch is already on disk; the record stays so the user can
		// see what was applied.
		s.logger.Error("patch applied but proposal could not be resolved", "session_id", sessionID, "proposal_id", p.ID, "error", err)
		s.note(sessionID, fmt.Sprintf("Proposal %s was applied but could not be closed.", p.ID))
		return Reply{Outcome: OutcomeInternalError, Text: "The changes were applied, but the proposal could not be closed."}
	}

	files := len(accepted.ChangedFiles)
	s.cleanup(ctx, accepted)
	s.emit(ctx, eventlog.TypeApprovalAccepted, sessionID, map[string]any{
		"proposal_id":   accepted.ID,
		"changed_files": files,
		"patch_sha256":  accepted.PatchSHA256,
	})
	s.note(sessionID, fmt.Sprintf("The user accepted proposal %s; %d file(s) were changed.", accepted.ID, files))
	s.notify(ctx, Resolution{SessionID: sessionID, ProposalID: accepted.ID, Outcome: OutcomeAccepted, State: state})
	return Reply{
		Outcome:      OutcomeAccepted,
		Text:         fmt.Sprintf("Applied proposal %s (%d file(s) changed).", accepted.ID, files),
		ChangedFiles: files,
	}
}

func (s *Service) resolveFailure(sessionID, verb string, err error) Reply {
	var mm *delegation.MismatchError
	switch {
	case apperr.IsNotFound(err):
		s.note(sessionID, fmt.Sprintf("The user tried to %s changes but none were pending.", verb))
		return Reply{Outcome: OutcomeNothing, Text: "No changes are pending review."}
	case errors.Is(err, proposal.ErrClaimed):
		s.note(sessionID, fmt.Sprintf("The user tried to %s a proposal that is being applied.", verb))
		return Reply{Outcome: OutcomeRefused, Text: "The pending proposal is being applied; try again shortly."}
	case errors.As(err, &mm):
		s.note(sessionID, fmt.Sprintf("The user tried to %s a proposal that is not the pending one.", verb))
		return Reply{Outcome: OutcomeMismatch, Text: fmt.Sprintf("Proposal %s is not pending; the pending proposal is %s.", mm.Expected, mm.Actual)}
	default:
		s.logger.Error("failed to resolve proposal", "session_id", sessionID, "action", verb, "error", err)
		s.note(sessionID, fmt.Sprintf("The %s request failed.", verb))
		return Reply{Outcome: OutcomeInternalError, Text: fmt.Sprintf("Could not %s the proposal.", verb)}
	}
}

func preconditionText(err error) string {
	switch {
	case errors.Is(err, worktree.ErrDirtyRepo):
		return "The repository has uncommitted changes. Commit or stash them, then accept again."
	case errors.Is(err, worktree.ErrHeadMoved):
		return "The repository HEAD moved since the proposal was made. Reject it and delegate again."
	default:
		return "The repository is not ready for these changes; the proposal is still pending."
	}
}

func (s *Service) cleanup(ctx context.Context, p proposal.Proposal) {
	if err := s.patcher.Cleanup(context.WithoutCancel(ctx), p); err != nil {
		s.logger.Warn("failed to clean up proposal artifacts", "proposal_id", p.ID, "error", err)
	}
}

func (s *Service) note(sessionID, text string) {
	s.opts.History.AppendNote(sessionID, text)
}

func (s *Service) notify(ctx context.Context, r Resolution) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, r)
	}
}

func (s *Service) emit(ctx context.Context, typ, sessionID string, payload map[string]any) {
	eventlog.Emit(ctx, s.opts.Sink, s.logger, eventlog.Event{Type: typ, SessionID: sessionID, Payload: payload})
}

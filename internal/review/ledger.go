// Package review holds the reviewable proposal set for one session or
// discovery run and mediates every status change through the backend.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/praxishq/mindloop/internal/models"
)

var (
	// ErrFinalized is returned for mutations of finalized proposals.
	ErrFinalized = errors.New("proposal is finalized and immutable")
	// ErrUnknownProposal is returned when the ledger holds no such proposal.
	ErrUnknownProposal = errors.New("unknown proposal")
)

// SetStatusFunc persists one proposal status change on the backend. The
// ledger never commits a change locally that this func rejected.
type SetStatusFunc func(ctx context.Context, proposalID string, status models.ProposalStatus) error

// Ledger is the review-phase state holder. All methods are safe for
// concurrent use, though the orchestrators drive it from a single loop.
type Ledger struct {
	mu        sync.Mutex
	set       SetStatusFunc
	proposals []models.Proposal
	logger    *slog.Logger
}

// NewLedger creates a ledger over the given proposal set.
func NewLedger(set SetStatusFunc, proposals []models.Proposal, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		set:       set,
		proposals: append([]models.Proposal(nil), proposals...),
		logger:    logger,
	}
}

// Proposals returns a copy of the current proposal set.
func (l *Ledger) Proposals() []models.Proposal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Proposal(nil), l.proposals...)
}

// Replace swaps in a fresh proposal set from the backend, e.g. after a bulk
// operation left some statuses uncertain.
func (l *Ledger) Replace(proposals []models.Proposal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proposals = append([]models.Proposal(nil), proposals...)
}

// Counts returns the number of pending, approved, and rejected proposals.
func (l *Ledger) Counts() (pending, approved, rejected int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.proposals {
		switch p.Status {
		case models.ProposalPending:
			pending++
		case models.ProposalApproved:
			approved++
		case models.ProposalRejected:
			rejected++
		}
	}
	return pending, approved, rejected
}

// SetStatus transitions one proposal to the given status. Any transition is
// allowed except out of finalized; moving an approved or rejected proposal
// back to pending is the undo path and goes through the same call. The
// backend confirms the change before the ledger's copy is touched.
func (l *Ledger) SetStatus(ctx context.Context, proposalID string, status models.ProposalStatus) error {
	l.mu.Lock()
	idx := -1
	for i, p := range l.proposals {
		if p.ID == proposalID {
			idx = i
			break
		}
	}
	if idx == -1 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	if l.proposals[idx].Status == models.ProposalFinalized {
		l.mu.Unlock()
		return ErrFinalized
	}
	l.mu.Unlock()

	if err := l.set(ctx, proposalID, status); err != nil {
		return fmt.Errorf("set proposal status: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-find: the set may have been replaced while the call was in flight.
	for i, p := range l.proposals {
		if p.ID == proposalID {
			l.proposals[i].Status = status
			break
		}
	}
	l.logger.Debug("proposal status set", "proposal_id", proposalID, "status", status)
	return nil
}

// BulkApprove approves every currently pending proposal, one call at a time.
// Individual failures do not abort the batch; they are joined into the
// returned error and the caller reconciles on the next refresh.
func (l *Ledger) BulkApprove(ctx context.Context) error {
	var ids []string
	l.mu.Lock()
	for _, p := range l.proposals {
		if p.Status == models.ProposalPending {
			ids = append(ids, p.ID)
		}
	}
	l.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := l.SetStatus(ctx, id, models.ProposalApproved); err != nil {
			l.logger.Warn("bulk approve: proposal failed", "proposal_id", id, "error", err)
			errs = append(errs, fmt.Errorf("proposal %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// CanCompile reports whether a compile run may be started: no proposal is
// still pending and at least one is approved.
func (l *Ledger) CanCompile() bool {
	pending, approved, _ := l.Counts()
	return pending == 0 && approved >= 1
}

// Outcome reports the auto-completion result when review ended with nothing
// to compile: no_changes for an empty proposal set, all_rejected when every
// proposal was explicitly turned down. ok is false while compile is still a
// possibility (something pending or approved).
func (l *Ledger) Outcome() (result models.Result, ok bool) {
	l.mu.Lock()
	empty := len(l.proposals) == 0
	l.mu.Unlock()

	pending, approved, _ := l.Counts()
	if pending != 0 || approved != 0 {
		return "", false
	}
	if empty {
		return models.ResultNoChanges, true
	}
	return models.ResultAllRejected, true
}

package models

// ProposalKind classifies what a proposal does to the knowledge base.
type ProposalKind string

const (
	ProposalNew      ProposalKind = "NEW"
	ProposalUpdate   ProposalKind = "UPDATE"
	ProposalConflict ProposalKind = "CONFLICT"
)

// ProposalStatus is the review state of a proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	// ProposalFinalized means the proposal has been compiled into a
	// published knowledge version and is immutable.
	ProposalFinalized ProposalStatus = "finalized"
)

// Proposal is one candidate change to the knowledge base, produced in bulk by
// the extraction phase and mutated only through status transitions.
type Proposal struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId,omitempty"`
	RunID     string         `json:"runId,omitempty"`
	Kind      ProposalKind   `json:"kind"`
	Status    ProposalStatus `json:"status"`
	Summary   string         `json:"summary"`
	Reason    string         `json:"reason,omitempty"`
	// Excerpt is the existing material an UPDATE or CONFLICT would replace.
	Excerpt     string `json:"excerpt,omitempty"`
	Replacement string `json:"replacement"`
}

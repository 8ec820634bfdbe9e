package domain

import "github.com/shopspring/decimal"

// User roles. Platform users act as tie-breakers and may assign
// contractors or reject acts on any order.
const (
	RoleCustomer   = "customer"
	RoleContractor = "contractor"
	RolePlatform   = "platform"
)

// Order statuses.
const (
	OrderCreated    = "created"
	OrderFunded     = "funded"
	OrderInProgress = "in_progress"
	OrderCompleted  = "completed"
	OrderCancelled  = "cancelled"
)

// Milestone statuses.
const (
	MilestonePending            = "pending"
	MilestoneInProgress         = "in_progress"
	MilestoneAwaitingAcceptance = "awaiting_acceptance"
	MilestoneCompleted          = "completed"
	MilestoneRejected           = "rejected"
)

// Milestone payout states. A milestone whose act completed but whose
// payout did not land stays in payout "pending" until a retry succeeds.
const (
	PayoutUnpaid  = "unpaid"
	PayoutPending = "pending"
	PayoutPaid    = "paid"
)

// Document kinds.
const (
	KindDefinitionOfReady = "definition_of_ready"
	KindRoadmap           = "roadmap"
	KindDefinitionOfDone  = "definition_of_done"
	KindSpecification     = "specification"
	KindDeliverable       = "deliverable"
	KindAct               = "act"
)

// Act statuses.
const (
	ActCreated          = "created"
	ActSignedContractor = "signed_contractor"
	ActSignedCustomer   = "signed_customer"
	ActCompleted        = "completed"
	ActRejected         = "rejected"
)

// Ledger transaction types.
const (
	TxDeposit       = "deposit"
	TxWithdrawal    = "withdrawal"
	TxEscrowHold    = "escrow_hold"
	TxEscrowRelease = "escrow_release"
	TxEscrowRefund  = "escrow_refund"
)

type User struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Role      string          `json:"role" enum:"customer,contractor,platform"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

// Transaction is one row of the ledger journal. Escrow release rows are
// keyed by milestone so settlement retries stay idempotent.
type Transaction struct {
	ID          int64           `json:"id"`
	UserID      string          `json:"user_id"`
	OrderID     *string         `json:"order_id,omitempty"`
	MilestoneID *string         `json:"milestone_id,omitempty"`
	Type        string          `json:"type" enum:"deposit,withdrawal,escrow_hold,escrow_release,escrow_refund"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

type Order struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	CustomerIDs      []string        `json:"customer_ids"`
	RepresentativeID string          `json:"representative_id"`
	ContractorID     *string         `json:"contractor_id,omitempty"`
	Status           string          `json:"status" enum:"created,funded,in_progress,completed,cancelled"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	FundedAmount     decimal.Decimal `json:"funded_amount"`
	Milestones       []Milestone     `json:"milestones,omitempty"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

// IsCustomer reports whether id is one of the order's customers.
func (o Order) IsCustomer(id string) bool {
	for _, c := range o.CustomerIDs {
		if c == id {
			return true
		}
	}
	return false
}

// IsGroup reports whether the order has more than one funding customer.
func (o Order) IsGroup() bool { return len(o.CustomerIDs) > 1 }

type Milestone struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	Position     int             `json:"position"`
	Description  string          `json:"description"`
	Amount       decimal.Decimal `json:"amount"`
	Deadline     string          `json:"deadline" format:"date-time"`
	Status       string          `json:"status" enum:"pending,in_progress,awaiting_acceptance,completed,rejected"`
	PayoutStatus string          `json:"payout_status" enum:"unpaid,pending,paid"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

// Paid reports whether the milestone's escrow share has been released.
func (m Milestone) Paid() bool { return m.PayoutStatus == PayoutPaid }

// Vote is one customer's current ballot in a group order's
// representative election. One row per voter; re-voting replaces it.
type Vote struct {
	OrderID     string `json:"order_id"`
	VoterID     string `json:"voter_id"`
	CandidateID string `json:"candidate_id"`
	CastAt      string `json:"cast_at" format:"date-time"`
}

// Document covers every non-act kind. Content is an opaque blob; the
// engine never interprets it beyond storing and replacing it.
type Document struct {
	ID          string   `json:"id"`
	OrderID     string   `json:"order_id"`
	Kind        string   `json:"kind" enum:"definition_of_ready,roadmap,definition_of_done,specification,deliverable"`
	Name        string   `json:"name"`
	Content     string   `json:"content,omitempty"`
	PhaseID     *string  `json:"phase_id,omitempty"`
	SubmittedAt *string  `json:"submitted_at,omitempty" format:"date-time"`
	Attachments []string `json:"attachments,omitempty"`
	Compliance  *string  `json:"compliance,omitempty"`
	ApprovedBy  []string `json:"approved_by,omitempty"`
	CreatedBy   string   `json:"created_by"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// Act is the acceptance document for one milestone. Signatures are kept
// in receipt order, unique per user. The auto-sign deadline is plain
// data; the live timer is owned by the scheduler registry.
type Act struct {
	ID              string      `json:"id"`
	OrderID         string      `json:"order_id"`
	MilestoneID     string      `json:"milestone_id"`
	Name            string      `json:"name"`
	Status          string      `json:"status" enum:"created,signed_contractor,signed_customer,completed,rejected"`
	DeliverableIDs  []string    `json:"deliverable_ids,omitempty"`
	Signatures      []Signature `json:"signatures,omitempty"`
	RejectionReason *string     `json:"rejection_reason,omitempty"`
	AutoSignAt      *string     `json:"auto_sign_at,omitempty" format:"date-time"`
	CreatedBy       string      `json:"created_by"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
	UpdatedAt       string      `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the act can no longer change state.
func (a Act) Terminal() bool {
	return a.Status == ActCompleted || a.Status == ActRejected
}

// SignedBy reports whether userID already appears in the signature list.
func (a Act) SignedBy(userID string) bool {
	for _, s := range a.Signatures {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

type Signature struct {
	UserID   string `json:"user_id"`
	SignedAt string `json:"signed_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrderID    string `json:"order_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

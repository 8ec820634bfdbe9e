package server

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/gen"
)

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	Balance   string `json:"balance"`
	CreatedAt string `json:"created_at"`
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Name:      u.Name,
		Role:      u.Role,
		Balance:   u.Balance.String(),
		CreatedAt: u.CreatedAt,
	}
}

type TransactionResponse struct {
	ID          int64   `json:"id"`
	UserID      string  `json:"user_id"`
	OrderID     *string `json:"order_id,omitempty"`
	MilestoneID *string `json:"milestone_id,omitempty"`
	Type        string  `json:"type"`
	Amount      string  `json:"amount"`
	CreatedAt   string  `json:"created_at"`
}

func mapTransactions(items []domain.Transaction) []TransactionResponse {
	res := make([]TransactionResponse, 0, len(items))
	for _, t := range items {
		res = append(res, TransactionResponse{
			ID:          t.ID,
			UserID:      t.UserID,
			OrderID:     t.OrderID,
			MilestoneID: t.MilestoneID,
			Type:        t.Type,
			Amount:      t.Amount.String(),
			CreatedAt:   t.CreatedAt,
		})
	}
	return res
}

type MilestoneResponse struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	Position     int    `json:"position"`
	Description  string `json:"description"`
	Amount       string `json:"amount"`
	Deadline     string `json:"deadline"`
	Status       string `json:"status"`
	PayoutStatus string `json:"payout_status"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	return MilestoneResponse{
		ID:           m.ID,
		OrderID:      m.OrderID,
		Position:     m.Position,
		Description:  m.Description,
		Amount:       m.Amount.String(),
		Deadline:     m.Deadline,
		Status:       m.Status,
		PayoutStatus: m.PayoutStatus,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func mapMilestones(items []domain.Milestone) []MilestoneResponse {
	res := make([]MilestoneResponse, 0, len(items))
	for _, m := range items {
		res = append(res, milestoneResponse(m))
	}
	return res
}

type OrderResponse struct {
	ID               string              `json:"id"`
	Title            string              `json:"title"`
	CustomerIDs      []string            `json:"customer_ids"`
	RepresentativeID string              `json:"representative_id"`
	ContractorID     *string             `json:"contractor_id,omitempty"`
	Status           string              `json:"status"`
	TotalAmount      string              `json:"total_amount"`
	FundedAmount     string              `json:"funded_amount"`
	Milestones       []MilestoneResponse `json:"milestones,omitempty"`
	CreatedAt        string              `json:"created_at"`
	UpdatedAt        string              `json:"updated_at"`
}

func orderResponse(o domain.Order) OrderResponse {
	return OrderResponse{
		ID:               o.ID,
		Title:            o.Title,
		CustomerIDs:      o.CustomerIDs,
		RepresentativeID: o.RepresentativeID,
		ContractorID:     o.ContractorID,
		Status:           o.Status,
		TotalAmount:      o.TotalAmount.String(),
		FundedAmount:     o.FundedAmount.String(),
		Milestones:       mapMilestones(o.Milestones),
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

func mapOrders(items []domain.Order) []OrderResponse {
	res := make([]OrderResponse, 0, len(items))
	for _, o := range items {
		res = append(res, orderResponse(o))
	}
	return res
}

type DocumentResponse struct {
	ID          string   `json:"id"`
	OrderID     string   `json:"order_id"`
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	Content     string   `json:"content,omitempty"`
	PhaseID     *string  `json:"phase_id,omitempty"`
	SubmittedAt *string  `json:"submitted_at,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Compliance  *string  `json:"compliance,omitempty"`
	ApprovedBy  []string `json:"approved_by,omitempty"`
	CreatedBy   string   `json:"created_by"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse(d)
}

func mapDocuments(items []domain.Document) []DocumentResponse {
	res := make([]DocumentResponse, 0, len(items))
	for _, d := range items {
		res = append(res, documentResponse(d))
	}
	return res
}

type SignatureResponse struct {
	UserID   string `json:"user_id"`
	SignedAt string `json:"signed_at"`
}

type ActResponse struct {
	ID              string              `json:"id"`
	OrderID         string              `json:"order_id"`
	MilestoneID     string              `json:"milestone_id"`
	Name            string              `json:"name"`
	Status          string              `json:"status"`
	DeliverableIDs  []string            `json:"deliverable_ids,omitempty"`
	Signatures      []SignatureResponse `json:"signatures,omitempty"`
	RejectionReason *string             `json:"rejection_reason,omitempty"`
	AutoSignAt      *string             `json:"auto_sign_at,omitempty"`
	CreatedBy       string              `json:"created_by"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
}

func actResponse(a domain.Act) ActResponse {
	sigs := make([]SignatureResponse, 0, len(a.Signatures))
	for _, s := range a.Signatures {
		sigs = append(sigs, SignatureResponse(s))
	}
	return ActResponse{
		ID:              a.ID,
		OrderID:         a.OrderID,
		MilestoneID:     a.MilestoneID,
		Name:            a.Name,
		Status:          a.Status,
		DeliverableIDs:  a.DeliverableIDs,
		Signatures:      sigs,
		RejectionReason: a.RejectionReason,
		AutoSignAt:      a.AutoSignAt,
		CreatedBy:       a.CreatedBy,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func mapActs(items []domain.Act) []ActResponse {
	res := make([]ActResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actResponse(a))
	}
	return res
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrderID    string `json:"order_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			OrderID:    e.OrderID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return res
}

// --- requests ---

type CreateUserRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty" enum:"customer,contractor,platform"`
}

type AmountRequest struct {
	Amount string `json:"amount" example:"250.00"`
}

type MilestoneSpecRequest struct {
	Description string `json:"description"`
	Amount      string `json:"amount" example:"500.00"`
	Deadline    string `json:"deadline" format:"date-time"`
}

type CreateOrderRequest struct {
	ID               string                 `json:"id,omitempty"`
	Title            string                 `json:"title"`
	CustomerIDs      []string               `json:"customer_ids"`
	RepresentativeID string                 `json:"representative_id,omitempty"`
	Milestones       []MilestoneSpecRequest `json:"milestones"`
}

type AssignContractorRequest struct {
	ContractorID string `json:"contractor_id"`
}

type MilestoneStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,awaiting_acceptance,completed,rejected"`
}

type VoteRequest struct {
	CandidateID string `json:"candidate_id"`
}

type VoteResponse struct {
	Changed          bool   `json:"changed"`
	RepresentativeID string `json:"representative_id"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateDocumentRequest struct {
	Kind        string   `json:"kind" enum:"definition_of_ready,roadmap,definition_of_done,specification,deliverable"`
	Name        string   `json:"name"`
	Content     string   `json:"content,omitempty"`
	PhaseID     string   `json:"phase_id,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

type ReplaceDocumentRequest struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

type GenerateActRequest struct {
	MilestoneID    string   `json:"milestone_id"`
	Name           string   `json:"name,omitempty"`
	DeliverableIDs []string `json:"deliverable_ids,omitempty"`
}

type RejectActRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CriterionResultResponse struct {
	CriterionID string `json:"criterion_id"`
	Met         bool   `json:"met"`
	Note        string `json:"note,omitempty"`
}

type VerdictResponse struct {
	Compliant bool                      `json:"compliant"`
	Score     int                       `json:"score"`
	Details   []CriterionResultResponse `json:"details,omitempty"`
}

func verdictResponse(v gen.Verdict) VerdictResponse {
	details := make([]CriterionResultResponse, 0, len(v.Details))
	for _, d := range v.Details {
		details = append(details, CriterionResultResponse(d))
	}
	return VerdictResponse{Compliant: v.Compliant, Score: v.Score, Details: details}
}

func parseAmount(raw string) (decimal.Decimal, huma.StatusError) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid amount", map[string]any{"amount": raw})
	}
	return d, nil
}

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/notify"
)

// GenerateAct creates the acceptance act for a milestone and moves the
// milestone to awaiting_acceptance. Only the order's contractor or a
// platform user may generate one, and a milestone can only carry one
// open act at a time.
func (e Engine) GenerateAct(ctx context.Context, orderID, milestoneID, name string, deliverableIDs []string, actorID string) (domain.Act, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Act{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.Act{}, err
	}
	if o.ContractorID == nil {
		return domain.Act{}, invalidStatef("order %s has no contractor", orderID)
	}
	if actorID != *o.ContractorID && !e.isPlatform(ctx, actorID) {
		return domain.Act{}, permissionf("user %s may not generate an act on order %s", actorID, orderID)
	}
	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Act{}, err
	}
	if m.OrderID != orderID {
		return domain.Act{}, validationf("milestone %s does not belong to order %s", milestoneID, orderID)
	}
	if m.Status != domain.MilestoneInProgress && m.Status != domain.MilestoneRejected {
		return domain.Act{}, invalidStatef("milestone %s is %s; an act needs work in progress or a rejected cycle", milestoneID, m.Status)
	}
	open, err := e.Repo.ListActsForMilestone(ctx, milestoneID)
	if err != nil {
		return domain.Act{}, err
	}
	for _, a := range open {
		if !a.Terminal() {
			return domain.Act{}, invalidStatef("milestone %s already has open act %s", milestoneID, a.ID)
		}
	}
	for _, docID := range deliverableIDs {
		d, err := e.Repo.GetDocumentTx(ctx, tx, docID)
		if err != nil {
			return domain.Act{}, err
		}
		if d.OrderID != orderID {
			return domain.Act{}, validationf("deliverable %s does not belong to order %s", docID, orderID)
		}
		if d.Kind != domain.KindDeliverable {
			return domain.Act{}, validationf("document %s is a %s, not a deliverable", docID, d.Kind)
		}
	}
	if name == "" {
		name = "Acceptance act: " + m.Description
	}
	now := e.nowStr()
	deadline := e.now().UTC().Add(time.Duration(e.Config.Settlement.AutoSignDays) * 24 * time.Hour).Format(time.RFC3339)
	a := domain.Act{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		MilestoneID:    milestoneID,
		Name:           name,
		Status:         domain.ActCreated,
		DeliverableIDs: deliverableIDs,
		AutoSignAt:     &deadline,
		CreatedBy:      actorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertActTx(ctx, tx, a); err != nil {
		return domain.Act{}, err
	}
	m, orderDone, err := e.updateMilestoneStatusTx(ctx, tx, orderID, milestoneID, domain.MilestoneAwaitingAcceptance, actorID)
	if err != nil {
		return domain.Act{}, err
	}
	if err := e.Events.Append(ctx, tx, "act.created", orderID, "act", a.ID, actorID, events.EventPayload{
		"milestone_id": milestoneID,
		"auto_sign_at": deadline,
		"deliverables": len(deliverableIDs),
	}); err != nil {
		return domain.Act{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Act{}, err
	}
	e.Timers.Schedule(a.ID, time.Duration(e.Config.Settlement.AutoSignDays)*24*time.Hour)
	e.publish(notify.Notification{Kind: notify.ActCreated, OrderID: orderID, MilestoneID: milestoneID, ActID: a.ID, UserID: actorID})
	e.publishMilestoneChange(orderID, m, orderDone)
	return a, nil
}

// SignAct records one side's signature. The act completes when both the
// contractor side and the customer side have signed; completion settles
// the milestone's escrow share. Signing a terminal act, or signing
// twice, is a no-op.
func (e Engine) SignAct(ctx context.Context, actID, signerID string) (domain.Act, error) {
	return e.signAct(ctx, actID, signerID, false)
}

// AutoSign applies the customer-side signature on behalf of the order's
// acting customer once the acceptance window has elapsed. Terminal acts
// and acts the customer side already signed are left untouched.
func (e Engine) AutoSign(ctx context.Context, actID string) (domain.Act, error) {
	a, err := e.Repo.GetAct(ctx, actID)
	if err != nil {
		return domain.Act{}, err
	}
	o, err := e.Repo.GetOrder(ctx, a.OrderID)
	if err != nil {
		return domain.Act{}, err
	}
	return e.signAct(ctx, actID, customerSideSigner(o), true)
}

func (e Engine) signAct(ctx context.Context, actID, signerID string, auto bool) (domain.Act, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Act{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActTx(ctx, tx, actID)
	if err != nil {
		return domain.Act{}, err
	}
	if a.Terminal() {
		return a, nil
	}
	o, err := e.Repo.GetOrderTx(ctx, tx, a.OrderID)
	if err != nil {
		return domain.Act{}, err
	}

	if signerID != customerSideSigner(o) &&
		(o.ContractorID == nil || signerID != *o.ContractorID) {
		return domain.Act{}, permissionf("user %s may not sign act %s", signerID, actID)
	}

	if a.SignedBy(signerID) {
		return a, nil
	}

	now := e.nowStr()
	sig := domain.Signature{UserID: signerID, SignedAt: now}
	if err := e.Repo.InsertSignatureTx(ctx, tx, actID, sig); err != nil {
		return domain.Act{}, err
	}
	a.Signatures = append(a.Signatures, sig)

	// The effective status is derived from the accumulated signature set
	// against the order's current parties, so a representative change
	// between signatures never completes an act the sitting
	// representative did not sign.
	contractorSigned := o.ContractorID != nil && a.SignedBy(*o.ContractorID)
	customerSigned := a.SignedBy(customerSideSigner(o))
	var newStatus string
	switch {
	case contractorSigned && customerSigned:
		newStatus = domain.ActCompleted
	case contractorSigned:
		newStatus = domain.ActSignedContractor
	default:
		newStatus = domain.ActSignedCustomer
	}
	if err := ensureActTransition(a.Status, newStatus); err != nil {
		return domain.Act{}, err
	}
	fromStatus := a.Status
	a.Status = newStatus
	if customerSigned || newStatus == domain.ActCompleted {
		a.AutoSignAt = nil
	}
	a.UpdatedAt = now
	if err := e.Repo.UpdateActTx(ctx, tx, a); err != nil {
		return domain.Act{}, err
	}
	evtType := "act.signed"
	if auto {
		evtType = "act.auto_signed"
	}
	if err := e.Events.Append(ctx, tx, evtType, a.OrderID, "act", a.ID, signerID, events.EventPayload{
		"from": fromStatus, "to": newStatus,
	}); err != nil {
		return domain.Act{}, err
	}

	var m domain.Milestone
	var orderDone bool
	if newStatus == domain.ActCompleted {
		m, orderDone, err = e.updateMilestoneStatusTx(ctx, tx, a.OrderID, a.MilestoneID, domain.MilestoneCompleted, signerID)
		if err != nil {
			return domain.Act{}, err
		}
		m.PayoutStatus = domain.PayoutPending
		m.UpdatedAt = now
		if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
			return domain.Act{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Act{}, err
	}

	if a.AutoSignAt == nil {
		e.Timers.Cancel(a.ID)
	}
	e.publish(notify.Notification{Kind: notify.ActSigned, OrderID: a.OrderID, MilestoneID: a.MilestoneID, ActID: a.ID, UserID: signerID, ToStatus: newStatus})
	if newStatus != domain.ActCompleted {
		return a, nil
	}
	e.publish(notify.Notification{Kind: notify.ActCompleted, OrderID: a.OrderID, MilestoneID: a.MilestoneID, ActID: a.ID})
	e.publishMilestoneChange(a.OrderID, m, orderDone)

	// Release the escrow share. A failure here leaves the milestone
	// completed with its payout pending; the act itself stays valid.
	if err := e.settleMilestone(ctx, a.OrderID, a.MilestoneID, signerID); err != nil {
		return a, err
	}
	return a, nil
}

// RejectAct closes the act as rejected and returns the milestone to the
// rejected state for another work cycle. Only the customer side or a
// platform user may reject. Rejecting a terminal act is a no-op.
func (e Engine) RejectAct(ctx context.Context, actID, actorID, reason string) (domain.Act, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Act{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetActTx(ctx, tx, actID)
	if err != nil {
		return domain.Act{}, err
	}
	if a.Terminal() {
		return a, nil
	}
	o, err := e.Repo.GetOrderTx(ctx, tx, a.OrderID)
	if err != nil {
		return domain.Act{}, err
	}
	if actorID != customerSideSigner(o) && !e.isPlatform(ctx, actorID) {
		return domain.Act{}, permissionf("user %s may not reject act %s", actorID, actID)
	}
	if err := ensureActTransition(a.Status, domain.ActRejected); err != nil {
		return domain.Act{}, err
	}
	fromStatus := a.Status
	a.Status = domain.ActRejected
	if reason != "" {
		a.RejectionReason = &reason
	}
	a.AutoSignAt = nil
	a.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateActTx(ctx, tx, a); err != nil {
		return domain.Act{}, err
	}
	m, orderDone, err := e.updateMilestoneStatusTx(ctx, tx, a.OrderID, a.MilestoneID, domain.MilestoneRejected, actorID)
	if err != nil {
		return domain.Act{}, err
	}
	if err := e.Events.Append(ctx, tx, "act.rejected", a.OrderID, "act", a.ID, actorID, events.EventPayload{
		"from": fromStatus, "reason": reason,
	}); err != nil {
		return domain.Act{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Act{}, err
	}
	e.Timers.Cancel(a.ID)
	e.publish(notify.Notification{Kind: notify.ActRejected, OrderID: a.OrderID, MilestoneID: a.MilestoneID, ActID: a.ID, UserID: actorID})
	e.publishMilestoneChange(a.OrderID, m, orderDone)
	return a, nil
}

func (e Engine) GetAct(ctx context.Context, id string) (domain.Act, error) {
	return e.Repo.GetAct(ctx, id)
}

func (e Engine) ListActs(ctx context.Context, orderID string) ([]domain.Act, error) {
	return e.Repo.ListActs(ctx, orderID)
}

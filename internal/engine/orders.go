package engine

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/notify"
	"escrowline/internal/repo"
)

// MilestoneSpec describes one milestone at order creation.
type MilestoneSpec struct {
	Description string
	Amount      decimal.Decimal
	Deadline    string
}

// OrderCreateOptions are parameters for creating an order.
type OrderCreateOptions struct {
	ID               string
	Title            string
	CustomerIDs      []string
	RepresentativeID string
	Milestones       []MilestoneSpec
	ActorID          string
}

// CreateOrder creates a single-customer order.
func (e Engine) CreateOrder(ctx context.Context, customerID, title string, specs []MilestoneSpec, actorID string) (domain.Order, error) {
	return e.createOrder(ctx, OrderCreateOptions{
		Title:       title,
		CustomerIDs: []string{customerID},
		Milestones:  specs,
		ActorID:     actorID,
	})
}

// CreateGroupOrder creates an order funded by two or more customers.
// The representative defaults to the first customer id.
func (e Engine) CreateGroupOrder(ctx context.Context, opts OrderCreateOptions) (domain.Order, error) {
	if len(opts.CustomerIDs) < 2 {
		return domain.Order{}, validationf("group order requires at least 2 customers")
	}
	return e.createOrder(ctx, opts)
}

func (e Engine) createOrder(ctx context.Context, opts OrderCreateOptions) (domain.Order, error) {
	if opts.Title == "" {
		return domain.Order{}, validationf("title is required")
	}
	if len(opts.CustomerIDs) == 0 {
		return domain.Order{}, validationf("at least one customer is required")
	}
	seen := map[string]bool{}
	for _, id := range opts.CustomerIDs {
		if id == "" {
			return domain.Order{}, validationf("customer id must not be empty")
		}
		if seen[id] {
			return domain.Order{}, validationf("duplicate customer id %s", id)
		}
		seen[id] = true
	}
	rep := opts.RepresentativeID
	if rep == "" {
		rep = opts.CustomerIDs[0]
	} else if !seen[rep] {
		return domain.Order{}, validationf("representative %s is not among the customers", rep)
	}
	if len(opts.Milestones) == 0 {
		return domain.Order{}, validationf("at least one milestone is required")
	}
	now := e.nowStr()
	total := decimal.Zero
	milestones := make([]domain.Milestone, 0, len(opts.Milestones))
	for i, spec := range opts.Milestones {
		if spec.Description == "" {
			return domain.Order{}, validationf("milestone %d: description is required", i+1)
		}
		if spec.Amount.Sign() <= 0 {
			return domain.Order{}, validationf("milestone %d: amount must be positive", i+1)
		}
		if _, err := time.Parse(time.RFC3339, spec.Deadline); err != nil {
			return domain.Order{}, validationf("milestone %d: deadline %q is not RFC3339", i+1, spec.Deadline)
		}
		total = total.Add(spec.Amount)
		milestones = append(milestones, domain.Milestone{
			ID:           uuid.New().String(),
			Position:     i,
			Description:  spec.Description,
			Amount:       spec.Amount,
			Deadline:     spec.Deadline,
			Status:       domain.MilestonePending,
			PayoutStatus: domain.PayoutUnpaid,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	o := domain.Order{
		ID:               id,
		Title:            opts.Title,
		CustomerIDs:      opts.CustomerIDs,
		RepresentativeID: rep,
		Status:           domain.OrderCreated,
		TotalAmount:      total,
		FundedAmount:     decimal.Zero,
		Milestones:       milestones,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for i := range o.Milestones {
		o.Milestones[i].OrderID = o.ID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOrderTx(ctx, tx, o); err != nil {
		return domain.Order{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.created", o.ID, "order", o.ID, opts.ActorID, events.EventPayload{
		"title":        o.Title,
		"total_amount": o.TotalAmount.String(),
		"customers":    len(o.CustomerIDs),
	}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	e.publish(notify.Notification{Kind: notify.OrderCreated, OrderID: o.ID, ToStatus: o.Status})
	return o, nil
}

func (e Engine) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return e.Repo.GetOrder(ctx, id)
}

// Fund moves amount from the payer's balance into the order's escrow.
// The ledger withdrawal commits first; if recording the funding on the
// order then fails, the withdrawal is compensated by a deposit before
// the original error is returned.
func (e Engine) Fund(ctx context.Context, orderID, payerID string, amount decimal.Decimal) (domain.Order, error) {
	if amount.Sign() <= 0 {
		return domain.Order{}, validationf("funding amount must be positive")
	}
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.IsCustomer(payerID) {
		return domain.Order{}, permissionf("user %s is not a customer of order %s", payerID, orderID)
	}

	// Hold the funds first.
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	if _, err := e.debitTx(ctx, tx, payerID, amount, domain.TxEscrowHold, &orderID, nil); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}

	o, fundErr := e.applyFunding(ctx, orderID, payerID, amount)
	if fundErr != nil {
		// Compensate: the withdrawn amount must not be stranded
		// between ledger and order.
		rtx, err := e.DB.BeginTx(ctx, nil)
		if err == nil {
			if _, err = e.creditTx(ctx, rtx, payerID, amount, domain.TxEscrowRefund, &orderID, nil); err == nil {
				err = rtx.Commit()
			} else {
				rtx.Rollback()
			}
		}
		if err != nil {
			e.Log.Error().Err(err).Str("order_id", orderID).Str("payer_id", payerID).
				Str("amount", amount.String()).Msg("funding compensation failed")
		}
		return domain.Order{}, fundErr
	}
	return o, nil
}

func (e Engine) applyFunding(ctx context.Context, orderID, payerID string, amount decimal.Decimal) (domain.Order, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.Status == domain.OrderCancelled || o.Status == domain.OrderCompleted {
		return domain.Order{}, invalidStatef("order %s is %s and cannot be funded", orderID, o.Status)
	}
	fromStatus := o.Status
	o.FundedAmount = o.FundedAmount.Add(amount)
	if o.Status == domain.OrderCreated && o.FundedAmount.GreaterThanOrEqual(o.TotalAmount) {
		if o.ContractorID != nil {
			o.Status = domain.OrderInProgress
		} else {
			o.Status = domain.OrderFunded
		}
	}
	o.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateOrderTx(ctx, tx, o); err != nil {
		return domain.Order{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.funded", o.ID, "order", o.ID, payerID, events.EventPayload{
		"amount":        amount.String(),
		"funded_amount": o.FundedAmount.String(),
	}); err != nil {
		return domain.Order{}, err
	}
	if o.Status != fromStatus {
		if err := e.Events.Append(ctx, tx, "order.status_changed", o.ID, "order", o.ID, payerID, events.EventPayload{
			"from": fromStatus, "to": o.Status,
		}); err != nil {
			return domain.Order{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	e.publish(notify.Notification{Kind: notify.OrderFunded, OrderID: o.ID, UserID: payerID, Amount: amount.String()})
	if o.Status != fromStatus {
		e.publish(notify.Notification{Kind: notify.OrderStatusChanged, OrderID: o.ID, FromStatus: fromStatus, ToStatus: o.Status})
	}
	return o, nil
}

// AssignContractor sets the executing party once. The sole customer (or
// the representative for group orders) or a platform user may assign.
func (e Engine) AssignContractor(ctx context.Context, orderID, contractorID, actingUserID string) (domain.Order, error) {
	if contractorID == "" {
		return domain.Order{}, validationf("contractor id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	allowed := e.isPlatform(ctx, actingUserID)
	if !allowed {
		if o.IsGroup() {
			allowed = actingUserID == o.RepresentativeID
		} else {
			allowed = o.IsCustomer(actingUserID)
		}
	}
	if !allowed {
		return domain.Order{}, permissionf("user %s may not assign a contractor on order %s", actingUserID, orderID)
	}
	if o.ContractorID != nil {
		return domain.Order{}, invalidStatef("order %s already has contractor %s", orderID, *o.ContractorID)
	}
	if o.Status != domain.OrderCreated && o.Status != domain.OrderFunded {
		return domain.Order{}, invalidStatef("order %s is %s; contractor can only be assigned while created or funded", orderID, o.Status)
	}
	if o.IsCustomer(contractorID) {
		return domain.Order{}, validationf("contractor %s is a customer of the order", contractorID)
	}
	fromStatus := o.Status
	o.ContractorID = &contractorID
	if o.FundedAmount.GreaterThanOrEqual(o.TotalAmount) {
		o.Status = domain.OrderInProgress
	}
	o.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateOrderTx(ctx, tx, o); err != nil {
		return domain.Order{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.contractor_assigned", o.ID, "order", o.ID, actingUserID, events.EventPayload{
		"contractor_id": contractorID,
	}); err != nil {
		return domain.Order{}, err
	}
	if o.Status != fromStatus {
		if err := e.Events.Append(ctx, tx, "order.status_changed", o.ID, "order", o.ID, actingUserID, events.EventPayload{
			"from": fromStatus, "to": o.Status,
		}); err != nil {
			return domain.Order{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	if o.Status != fromStatus {
		e.publish(notify.Notification{Kind: notify.OrderStatusChanged, OrderID: o.ID, FromStatus: fromStatus, ToStatus: o.Status})
	}
	return o, nil
}

// UpdateMilestoneStatus applies a milestone transition and derives
// order completion. This is the only place an order becomes completed.
func (e Engine) UpdateMilestoneStatus(ctx context.Context, orderID, milestoneID, newStatus, actorID string) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	m, orderDone, err := e.updateMilestoneStatusTx(ctx, tx, orderID, milestoneID, newStatus, actorID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	e.publishMilestoneChange(orderID, m, orderDone)
	return m, nil
}

func (e Engine) publishMilestoneChange(orderID string, m domain.Milestone, orderDone bool) {
	e.publish(notify.Notification{Kind: notify.MilestoneStatusChanged, OrderID: orderID, MilestoneID: m.ID, ToStatus: m.Status})
	if orderDone {
		e.publish(notify.Notification{Kind: notify.OrderCompleted, OrderID: orderID, ToStatus: domain.OrderCompleted})
	}
}

// updateMilestoneStatusTx applies the transition inside the caller's
// transaction and reports whether the order completed as a result.
func (e Engine) updateMilestoneStatusTx(ctx context.Context, tx *sql.Tx, orderID, milestoneID, newStatus, actorID string) (domain.Milestone, bool, error) {
	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Milestone{}, false, err
	}
	if m.OrderID != orderID {
		return domain.Milestone{}, false, validationf("milestone %s does not belong to order %s", milestoneID, orderID)
	}
	if m.Status == newStatus {
		return m, false, nil
	}
	if err := ensureMilestoneTransition(m.Status, newStatus); err != nil {
		return domain.Milestone{}, false, err
	}
	fromStatus := m.Status
	m.Status = newStatus
	m.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, false, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.status_changed", orderID, "milestone", m.ID, actorID, events.EventPayload{
		"from": fromStatus, "to": newStatus,
	}); err != nil {
		return domain.Milestone{}, false, err
	}

	all, err := e.Repo.ListMilestonesTx(ctx, tx, orderID)
	if err != nil {
		return domain.Milestone{}, false, err
	}
	done := true
	for _, other := range all {
		status := other.Status
		if other.ID == m.ID {
			status = m.Status
		}
		if status != domain.MilestoneCompleted {
			done = false
			break
		}
	}
	if !done {
		return m, false, nil
	}
	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.Milestone{}, false, err
	}
	if o.Status == domain.OrderCompleted {
		return m, false, nil
	}
	if err := ensureOrderTransition(o.Status, domain.OrderCompleted); err != nil {
		return domain.Milestone{}, false, err
	}
	fromOrder := o.Status
	o.Status = domain.OrderCompleted
	o.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateOrderTx(ctx, tx, o); err != nil {
		return domain.Milestone{}, false, err
	}
	if err := e.Events.Append(ctx, tx, "order.completed", orderID, "order", orderID, actorID, events.EventPayload{
		"from": fromOrder,
	}); err != nil {
		return domain.Milestone{}, false, err
	}
	return m, true, nil
}

// MarkMilestonePaid flips the payout flag for a completed milestone.
// Already-paid milestones are a no-op.
func (e Engine) MarkMilestonePaid(ctx context.Context, orderID, milestoneID, actorID string) (domain.Milestone, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	m, err := e.markMilestonePaidTx(ctx, tx, orderID, milestoneID, actorID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

func (e Engine) markMilestonePaidTx(ctx context.Context, tx *sql.Tx, orderID, milestoneID, actorID string) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.OrderID != orderID {
		return domain.Milestone{}, validationf("milestone %s does not belong to order %s", milestoneID, orderID)
	}
	if m.Paid() {
		return m, nil
	}
	if m.Status != domain.MilestoneCompleted {
		return domain.Milestone{}, invalidStatef("milestone %s is %s; only completed milestones can be marked paid", milestoneID, m.Status)
	}
	m.PayoutStatus = domain.PayoutPaid
	m.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.paid", orderID, "milestone", m.ID, actorID, events.EventPayload{
		"amount": m.Amount.String(),
	}); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// VoteForRepresentative records or replaces the voter's ballot. When a
// candidate reaches floor(n/2)+1 ballots and differs from the current
// representative, the representative swaps and all ballots clear.
func (e Engine) VoteForRepresentative(ctx context.Context, orderID, voterID, candidateID string) (bool, string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		return false, "", err
	}
	if !o.IsGroup() {
		return false, "", invalidStatef("order %s is not a group order", orderID)
	}
	if !o.IsCustomer(voterID) {
		return false, "", permissionf("voter %s is not a customer of order %s", voterID, orderID)
	}
	if !o.IsCustomer(candidateID) {
		return false, "", validationf("candidate %s is not a customer of order %s", candidateID, orderID)
	}
	if err := e.Repo.UpsertVoteTx(ctx, tx, domain.Vote{
		OrderID:     orderID,
		VoterID:     voterID,
		CandidateID: candidateID,
		CastAt:      e.nowStr(),
	}); err != nil {
		return false, "", err
	}
	votes, err := e.Repo.ListVotesTx(ctx, tx, orderID)
	if err != nil {
		return false, "", err
	}
	counts := map[string]int{}
	for _, v := range votes {
		counts[v.CandidateID]++
	}
	majority := len(o.CustomerIDs)/2 + 1
	if err := e.Events.Append(ctx, tx, "representative.vote", orderID, "order", orderID, voterID, events.EventPayload{
		"candidate_id": candidateID,
		"ballots":      counts[candidateID],
		"majority":     majority,
	}); err != nil {
		return false, "", err
	}
	if counts[candidateID] < majority || candidateID == o.RepresentativeID {
		if err := tx.Commit(); err != nil {
			return false, "", err
		}
		return false, o.RepresentativeID, nil
	}
	previous := o.RepresentativeID
	o.RepresentativeID = candidateID
	o.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateOrderTx(ctx, tx, o); err != nil {
		return false, "", err
	}
	if err := e.Repo.ClearVotesTx(ctx, tx, orderID); err != nil {
		return false, "", err
	}
	if err := e.Events.Append(ctx, tx, "representative.changed", orderID, "order", orderID, voterID, events.EventPayload{
		"from": previous, "to": candidateID,
	}); err != nil {
		return false, "", err
	}
	if err := tx.Commit(); err != nil {
		return false, "", err
	}
	e.publish(notify.Notification{Kind: notify.RepresentativeChanged, OrderID: orderID, UserID: candidateID, FromStatus: previous, ToStatus: candidateID})
	return true, candidateID, nil
}

// CancelOrder cancels a non-completed order, rejects its open acts and
// refunds the unreleased escrow to the payers pro-rata to what each of
// them put in. Orders with a settlement stuck in pending must be
// reconciled before they can be cancelled.
func (e Engine) CancelOrder(ctx context.Context, orderID, actingUserID, reason string) (domain.Order, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.IsCustomer(actingUserID) && !e.isPlatform(ctx, actingUserID) {
		return domain.Order{}, permissionf("user %s may not cancel order %s", actingUserID, orderID)
	}
	if err := ensureOrderTransition(o.Status, domain.OrderCancelled); err != nil {
		return domain.Order{}, err
	}
	released := decimal.Zero
	for _, m := range o.Milestones {
		switch m.PayoutStatus {
		case domain.PayoutPending:
			return domain.Order{}, invalidStatef("milestone %s has a pending payout; retry settlement before cancelling", m.ID)
		case domain.PayoutPaid:
			released = released.Add(m.Amount)
		}
	}

	acts, err := e.Repo.ListActs(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	var cancelledTimers []string
	for _, a := range acts {
		if a.Terminal() {
			continue
		}
		a.Status = domain.ActRejected
		cancelled := "order cancelled"
		a.RejectionReason = &cancelled
		a.AutoSignAt = nil
		a.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateActTx(ctx, tx, a); err != nil {
			return domain.Order{}, err
		}
		cancelledTimers = append(cancelledTimers, a.ID)
	}

	holds, err := e.Repo.OrderHoldsTx(ctx, tx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	totalHeld := decimal.Zero
	payers := make([]string, 0, len(holds))
	for id, amt := range holds {
		if amt.Sign() > 0 {
			totalHeld = totalHeld.Add(amt)
			payers = append(payers, id)
		}
	}
	sort.Strings(payers)
	remaining := totalHeld.Sub(released)
	if remaining.Sign() > 0 {
		distributed := decimal.Zero
		for i, payer := range payers {
			share := holds[payer].Mul(remaining).DivRound(totalHeld, 2)
			if i == len(payers)-1 {
				share = remaining.Sub(distributed)
			}
			if share.Sign() <= 0 {
				continue
			}
			if _, err := e.creditTx(ctx, tx, payer, share, domain.TxEscrowRefund, &orderID, nil); err != nil {
				return domain.Order{}, err
			}
			distributed = distributed.Add(share)
		}
	}

	fromStatus := o.Status
	o.Status = domain.OrderCancelled
	o.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateOrderTx(ctx, tx, o); err != nil {
		return domain.Order{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.cancelled", orderID, "order", orderID, actingUserID, events.EventPayload{
		"from":     fromStatus,
		"reason":   reason,
		"refunded": remaining.String(),
	}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	for _, actID := range cancelledTimers {
		e.Timers.Cancel(actID)
	}
	e.publish(notify.Notification{Kind: notify.OrderCancelled, OrderID: orderID, FromStatus: fromStatus, ToStatus: domain.OrderCancelled})
	return o, nil
}

// ListOrders passes through to the store.
func (e Engine) ListOrders(ctx context.Context, f repo.OrderFilters) ([]domain.Order, error) {
	return e.Repo.ListOrders(ctx, f)
}

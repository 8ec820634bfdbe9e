package engine

import (
	"context"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/notify"
)

// settleMilestone releases a completed milestone's escrow share to the
// contractor and marks the milestone paid. The release journal row is
// keyed by milestone, so a retry after a partial failure never deposits
// twice: if the release already landed, only the paid flag catches up.
func (e Engine) settleMilestone(ctx context.Context, orderID, milestoneID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMilestoneTx(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	if m.Paid() {
		return nil
	}
	if m.Status != domain.MilestoneCompleted {
		return invalidStatef("milestone %s is %s; only completed milestones settle", milestoneID, m.Status)
	}
	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if o.ContractorID == nil {
		return e.settlementFailed(orderID, milestoneID, invalidStatef("order %s has no contractor to pay", orderID))
	}
	contractor := *o.ContractorID

	released, err := e.Repo.HasReleaseTx(ctx, tx, milestoneID)
	if err != nil {
		return err
	}
	if !released {
		if _, err := e.creditTx(ctx, tx, contractor, m.Amount, domain.TxEscrowRelease, &orderID, &milestoneID); err != nil {
			return e.settlementFailed(orderID, milestoneID, err)
		}
		if err := e.Events.Append(ctx, tx, "settlement.released", orderID, "milestone", milestoneID, actorID, events.EventPayload{
			"contractor_id": contractor,
			"amount":        m.Amount.String(),
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return e.settlementFailed(orderID, milestoneID, err)
	}

	mtx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return e.settlementFailed(orderID, milestoneID, err)
	}
	defer mtx.Rollback()
	m, err = e.markMilestonePaidTx(ctx, mtx, orderID, milestoneID, actorID)
	if err != nil {
		return e.settlementFailed(orderID, milestoneID, err)
	}
	if err := mtx.Commit(); err != nil {
		return e.settlementFailed(orderID, milestoneID, err)
	}
	e.publish(notify.Notification{Kind: notify.MilestonePaid, OrderID: orderID, MilestoneID: milestoneID, UserID: contractor, Amount: m.Amount.String()})
	return nil
}

// settlementFailed wraps the cause, logs it and signals the anomaly.
// The milestone stays completed with payout pending until a retry lands.
func (e Engine) settlementFailed(orderID, milestoneID string, cause error) error {
	e.Log.Error().Err(cause).Str("order_id", orderID).Str("milestone_id", milestoneID).
		Msg("settlement did not complete")
	e.publish(notify.Notification{Kind: notify.PaymentPending, OrderID: orderID, MilestoneID: milestoneID})
	return ReconciliationError{OrderID: orderID, MilestoneID: milestoneID, Err: cause}
}

// RetrySettlement re-runs the release for a milestone whose payout is
// stuck in pending.
func (e Engine) RetrySettlement(ctx context.Context, orderID, milestoneID, actorID string) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.OrderID != orderID {
		return domain.Milestone{}, validationf("milestone %s does not belong to order %s", milestoneID, orderID)
	}
	if m.PayoutStatus != domain.PayoutPending {
		return domain.Milestone{}, invalidStatef("milestone %s payout is %s; only pending payouts can be retried", milestoneID, m.PayoutStatus)
	}
	if err := e.settleMilestone(ctx, orderID, milestoneID, actorID); err != nil {
		return domain.Milestone{}, err
	}
	return e.Repo.GetMilestone(ctx, milestoneID)
}

// PendingPayouts lists milestones whose settlement has not landed.
func (e Engine) PendingPayouts(ctx context.Context) ([]domain.Milestone, error) {
	return e.Repo.ListPendingPayouts(ctx)
}

package engine

import (
	"context"

	"escrowline/internal/domain"
)

// StatusSummary is the workspace-wide health snapshot.
type StatusSummary struct {
	Users          int            `json:"users"`
	Orders         map[string]int `json:"orders"`
	Acts           map[string]int `json:"acts"`
	PendingPayouts int            `json:"pending_payouts"`
}

func (e Engine) Status(ctx context.Context) (StatusSummary, error) {
	users, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return StatusSummary{}, err
	}
	orders, err := e.Repo.CountOrdersByStatus(ctx)
	if err != nil {
		return StatusSummary{}, err
	}
	acts, err := e.Repo.CountActsByStatus(ctx)
	if err != nil {
		return StatusSummary{}, err
	}
	pending, err := e.Repo.ListPendingPayouts(ctx)
	if err != nil {
		return StatusSummary{}, err
	}
	return StatusSummary{
		Users:          len(users),
		Orders:         orders,
		Acts:           acts,
		PendingPayouts: len(pending),
	}, nil
}

// ListEvents pages the journal, newest first. A zero cursor starts at
// the top; pass the smallest id of the previous page to continue.
func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, orderID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.Repo.LatestEvents(ctx, limit, cursor, orderID, evtType, entityKind, entityID)
}

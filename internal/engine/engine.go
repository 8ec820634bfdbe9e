package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/gen"
	"escrowline/internal/notify"
	"escrowline/internal/repo"
)

// TimerRegistry is the narrow interface the engine uses to manage
// auto-sign timers. The Scheduler implements it; the engine never holds
// a live timer handle itself.
type TimerRegistry interface {
	Schedule(actID string, d time.Duration)
	Cancel(actID string)
}

type noopTimers struct{}

func (noopTimers) Schedule(string, time.Duration) {}
func (noopTimers) Cancel(string)                  {}

// Engine sequences all state mutation over the store. Every public
// method runs its mutations in a single transaction; cross-ledger
// sequences (funding, settlement) use ordered transactions with
// explicit compensation instead.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *notify.Bus
	Config *config.Config
	Gen    gen.Generator
	Timers TimerRegistry
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Bus:    notify.NewBus(),
		Config: cfg,
		Gen:    gen.NewTemplate(),
		Timers: noopTimers{},
		Log:    zerolog.Nop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) publish(n notify.Notification) {
	if e.Bus != nil {
		e.Bus.Publish(n)
	}
}

// --- users ---

func (e Engine) CreateUser(ctx context.Context, id, name, role string) (domain.User, error) {
	if id == "" {
		return domain.User{}, validationf("user id is required")
	}
	switch role {
	case domain.RoleCustomer, domain.RoleContractor, domain.RolePlatform:
	case "":
		role = domain.RoleCustomer
	default:
		return domain.User{}, validationf("unknown role %q", role)
	}
	u := domain.User{
		ID:        id,
		Name:      name,
		Role:      role,
		Balance:   decimal.Zero,
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	return e.Repo.GetUser(ctx, id)
}

func (e Engine) isPlatform(ctx context.Context, userID string) bool {
	u, err := e.Repo.GetUser(ctx, userID)
	return err == nil && u.Role == domain.RolePlatform
}

// customerSideSigner returns the user whose signature counts as the
// customer side: the current representative for group orders, the sole
// customer otherwise.
func customerSideSigner(o domain.Order) string {
	if o.IsGroup() {
		return o.RepresentativeID
	}
	if len(o.CustomerIDs) == 1 {
		return o.CustomerIDs[0]
	}
	return o.RepresentativeID
}

// --- transition guards ---

func ensureOrderTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	if newStatus == domain.OrderCancelled {
		if oldStatus == domain.OrderCompleted {
			return invalidStatef("order already completed; cannot cancel")
		}
		return nil
	}
	switch oldStatus {
	case domain.OrderCreated:
		if newStatus == domain.OrderFunded || newStatus == domain.OrderInProgress {
			return nil
		}
	case domain.OrderFunded:
		if newStatus == domain.OrderInProgress {
			return nil
		}
	case domain.OrderInProgress:
		if newStatus == domain.OrderCompleted {
			return nil
		}
	}
	return invalidStatef("invalid order status transition %s -> %s", oldStatus, newStatus)
}

func ensureMilestoneTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case domain.MilestonePending:
		if newStatus == domain.MilestoneInProgress {
			return nil
		}
	case domain.MilestoneInProgress:
		if newStatus == domain.MilestoneAwaitingAcceptance {
			return nil
		}
	case domain.MilestoneAwaitingAcceptance:
		if newStatus == domain.MilestoneCompleted || newStatus == domain.MilestoneRejected {
			return nil
		}
	case domain.MilestoneRejected:
		// A rejected milestone returns to the work cycle with a new act.
		if newStatus == domain.MilestoneInProgress || newStatus == domain.MilestoneAwaitingAcceptance {
			return nil
		}
	}
	return invalidStatef("invalid milestone status transition %s -> %s", oldStatus, newStatus)
}

func ensureActTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case domain.ActCreated:
		switch newStatus {
		case domain.ActSignedContractor, domain.ActSignedCustomer, domain.ActCompleted, domain.ActRejected:
			return nil
		}
	case domain.ActSignedContractor, domain.ActSignedCustomer:
		switch newStatus {
		// Lateral moves between the partially-signed labels happen when a
		// representative change invalidates the recorded customer-side
		// progress.
		case domain.ActSignedContractor, domain.ActSignedCustomer,
			domain.ActCompleted, domain.ActRejected:
			return nil
		}
	}
	return invalidStatef("invalid act status transition %s -> %s", oldStatus, newStatus)
}

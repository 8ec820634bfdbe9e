package engine_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

func waitForActStatus(t *testing.T, env testEnv, actID, want string) domain.Act {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		a, err := env.Engine.GetAct(env.Ctx, actID)
		if err != nil {
			t.Fatal(err)
		}
		if a.Status == want {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	a, _ := env.Engine.GetAct(env.Ctx, actID)
	t.Fatalf("act stayed %s, want %s", a.Status, want)
	return domain.Act{}
}

func TestSchedulerFiresAutoSign(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = time.Now
	s := engine.NewScheduler(zerolog.Nop())
	env.Engine.Timers = s
	s.Bind(env.Engine)
	defer s.Stop()

	o := env.mustWorkingOrder(t, "500.00")
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, o.Milestones[0].ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
	if _, err := env.Engine.SignAct(env.Ctx, a.ID, "con"); err != nil {
		t.Fatal(err)
	}

	// pull the deadline in: the customer never reacts
	s.Schedule(a.ID, 10*time.Millisecond)
	a = waitForActStatus(t, env, a.ID, domain.ActCompleted)
	if len(a.Signatures) != 2 {
		t.Fatalf("signatures = %d, want 2", len(a.Signatures))
	}
	con, err := env.Engine.GetUser(env.Ctx, "con")
	if err != nil {
		t.Fatal(err)
	}
	if !con.Balance.Equal(dec(t, "500.00")) {
		t.Fatalf("contractor balance = %s, want settled 500", con.Balance)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after fire, want 0", s.Pending())
	}
}

func TestSchedulerCancelOnReject(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = time.Now
	s := engine.NewScheduler(zerolog.Nop())
	env.Engine.Timers = s
	s.Bind(env.Engine)
	defer s.Stop()

	o := env.mustWorkingOrder(t, "500.00")
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, o.Milestones[0].ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RejectAct(env.Ctx, a.ID, "cust", "nope"); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after reject, want 0", s.Pending())
	}
}

func TestSchedulerRestoresOverdueActs(t *testing.T) {
	env := newTestEnv(t)
	// the fixed clock leaves the persisted deadline in the past
	o := env.mustWorkingOrder(t, "500.00")
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, o.Milestones[0].ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}

	env.Engine.Now = time.Now
	s := engine.NewScheduler(zerolog.Nop())
	env.Engine.Timers = s
	s.Bind(env.Engine)
	defer s.Stop()

	n, err := s.Restore(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	// the overdue deadline fires immediately; only the customer side
	// has signed, so the act waits on the contractor
	a = waitForActStatus(t, env, a.ID, domain.ActSignedCustomer)
	if len(a.Signatures) != 1 || a.Signatures[0].UserID != "cust" {
		t.Fatalf("signatures = %+v, want the customer's", a.Signatures)
	}
}

package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
	"escrowline/internal/notify"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func (env testEnv) mustUser(t *testing.T, id, role string) domain.User {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, id, id, role)
	if err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	return u
}

func (env testEnv) mustDeposit(t *testing.T, id, amount string) {
	t.Helper()
	if _, err := env.Engine.Deposit(env.Ctx, id, dec(t, amount)); err != nil {
		t.Fatalf("deposit %s to %s: %v", amount, id, err)
	}
}

func (env testEnv) mustOrder(t *testing.T, customerID string, amounts ...string) domain.Order {
	t.Helper()
	specs := make([]engine.MilestoneSpec, 0, len(amounts))
	for _, a := range amounts {
		specs = append(specs, engine.MilestoneSpec{
			Description: "work for " + a,
			Amount:      dec(t, a),
			Deadline:    "2026-06-01T00:00:00Z",
		})
	}
	o, err := env.Engine.CreateOrder(env.Ctx, customerID, "test order", specs, customerID)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

// mustWorkingOrder builds the common fixture: a funded single-customer
// order with an assigned contractor and its first milestone in progress.
func (env testEnv) mustWorkingOrder(t *testing.T, amounts ...string) domain.Order {
	t.Helper()
	env.mustUser(t, "cust", domain.RoleCustomer)
	env.mustUser(t, "con", domain.RoleContractor)
	o := env.mustOrder(t, "cust", amounts...)
	env.mustDeposit(t, "cust", o.TotalAmount.String())
	if _, err := env.Engine.Fund(env.Ctx, o.ID, "cust", o.TotalAmount); err != nil {
		t.Fatalf("fund: %v", err)
	}
	o, err := env.Engine.AssignContractor(env.Ctx, o.ID, "con", "cust")
	if err != nil {
		t.Fatalf("assign contractor: %v", err)
	}
	if _, err := env.Engine.UpdateMilestoneStatus(env.Ctx, o.ID, o.Milestones[0].ID, domain.MilestoneInProgress, "con"); err != nil {
		t.Fatalf("milestone in_progress: %v", err)
	}
	o, err = env.Engine.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "alice", domain.RoleCustomer)
	env.mustDeposit(t, "alice", "500.00")
	u, err := env.Engine.Withdraw(env.Ctx, "alice", dec(t, "200.00"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !u.Balance.Equal(dec(t, "300.00")) {
		t.Fatalf("balance = %s, want 300", u.Balance)
	}
	_, err = env.Engine.Withdraw(env.Ctx, "alice", dec(t, "301.00"))
	var insufficient engine.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if insufficient.UserID != "alice" || !insufficient.Available.Equal(dec(t, "300.00")) {
		t.Fatalf("unexpected error detail: %+v", insufficient)
	}
	// the failed withdrawal must not journal anything
	txs, err := env.Engine.Statement(env.Ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 journal rows, got %d", len(txs))
	}
}

func TestFundingHoldsEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "cust", domain.RoleCustomer)
	env.mustDeposit(t, "cust", "500.00")
	o := env.mustOrder(t, "cust", "500.00")

	o, err := env.Engine.Fund(env.Ctx, o.ID, "cust", dec(t, "300.00"))
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if o.Status != domain.OrderCreated {
		t.Fatalf("partially funded order is %s, want created", o.Status)
	}
	if !o.FundedAmount.Equal(dec(t, "300.00")) {
		t.Fatalf("funded = %s, want 300", o.FundedAmount)
	}
	u, err := env.Engine.GetUser(env.Ctx, "cust")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Balance.Equal(dec(t, "200.00")) {
		t.Fatalf("balance = %s, want 200", u.Balance)
	}

	o, err = env.Engine.Fund(env.Ctx, o.ID, "cust", dec(t, "200.00"))
	if err != nil {
		t.Fatalf("fund rest: %v", err)
	}
	if o.Status != domain.OrderFunded {
		t.Fatalf("fully funded order is %s, want funded", o.Status)
	}
}

func TestFundingOverdraw(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "cust", domain.RoleCustomer)
	env.mustDeposit(t, "cust", "300.00")
	o := env.mustOrder(t, "cust", "500.00")
	_, err := env.Engine.Fund(env.Ctx, o.ID, "cust", dec(t, "500.00"))
	var insufficient engine.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	o, err = env.Engine.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !o.FundedAmount.IsZero() {
		t.Fatalf("funded = %s after overdraw, want 0", o.FundedAmount)
	}
}

func TestFundingRequiresCustomer(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "cust", domain.RoleCustomer)
	env.mustUser(t, "mallory", domain.RoleCustomer)
	env.mustDeposit(t, "mallory", "500.00")
	o := env.mustOrder(t, "cust", "500.00")
	_, err := env.Engine.Fund(env.Ctx, o.ID, "mallory", dec(t, "500.00"))
	var perm engine.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	u, err := env.Engine.GetUser(env.Ctx, "mallory")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Balance.Equal(dec(t, "500.00")) {
		t.Fatalf("balance = %s, want untouched 500", u.Balance)
	}
}

func TestFundingCompensatesOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "cust", domain.RoleCustomer)
	env.mustDeposit(t, "cust", "500.00")
	o := env.mustOrder(t, "cust", "500.00")
	if _, err := env.Engine.CancelOrder(env.Ctx, o.ID, "cust", "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// the hold commits first; recording the funding fails on the
	// cancelled order and the hold must come back
	_, err := env.Engine.Fund(env.Ctx, o.ID, "cust", dec(t, "500.00"))
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	u, err := env.Engine.GetUser(env.Ctx, "cust")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Balance.Equal(dec(t, "500.00")) {
		t.Fatalf("balance = %s, want compensated 500", u.Balance)
	}
	txs, err := env.Engine.Statement(env.Ctx, "cust", 10)
	if err != nil {
		t.Fatal(err)
	}
	var hold, refund bool
	for _, tx := range txs {
		switch tx.Type {
		case domain.TxEscrowHold:
			hold = true
		case domain.TxEscrowRefund:
			refund = true
		}
	}
	if !hold || !refund {
		t.Fatalf("expected hold and refund journal rows, got %+v", txs)
	}
}

func TestAssignContractor(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "cust", domain.RoleCustomer)
	env.mustUser(t, "con", domain.RoleContractor)
	env.mustDeposit(t, "cust", "500.00")
	o := env.mustOrder(t, "cust", "500.00")

	if _, err := env.Engine.AssignContractor(env.Ctx, o.ID, "cust", "cust"); err == nil {
		t.Fatalf("expected rejection of a customer as contractor")
	}
	if _, err := env.Engine.AssignContractor(env.Ctx, o.ID, "con", "con"); err == nil {
		t.Fatalf("expected permission error for self-assignment by outsider")
	}
	o, err := env.Engine.AssignContractor(env.Ctx, o.ID, "con", "cust")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if o.ContractorID == nil || *o.ContractorID != "con" {
		t.Fatalf("contractor not set")
	}
	if _, err := env.Engine.AssignContractor(env.Ctx, o.ID, "con", "cust"); err == nil {
		t.Fatalf("expected error on second assignment")
	}

	// funding a contractor-assigned order to the full amount starts it
	o, err = env.Engine.Fund(env.Ctx, o.ID, "cust", dec(t, "500.00"))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.OrderInProgress {
		t.Fatalf("order is %s, want in_progress", o.Status)
	}
}

func TestActSignCompletesAndSettles(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	m := o.Milestones[0]

	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, m.ID, "", nil, "con")
	if err != nil {
		t.Fatalf("generate act: %v", err)
	}
	if a.AutoSignAt == nil {
		t.Fatalf("expected auto-sign deadline")
	}
	a, err = env.Engine.SignAct(env.Ctx, a.ID, "con")
	if err != nil {
		t.Fatalf("contractor sign: %v", err)
	}
	if a.Status != domain.ActSignedContractor {
		t.Fatalf("act is %s, want signed_contractor", a.Status)
	}
	// double signing the same side is a no-op
	again, err := env.Engine.SignAct(env.Ctx, a.ID, "con")
	if err != nil || again.Status != domain.ActSignedContractor {
		t.Fatalf("double sign: %v status=%s", err, again.Status)
	}

	a, err = env.Engine.SignAct(env.Ctx, a.ID, "cust")
	if err != nil {
		t.Fatalf("customer sign: %v", err)
	}
	if a.Status != domain.ActCompleted {
		t.Fatalf("act is %s, want completed", a.Status)
	}
	if a.AutoSignAt != nil {
		t.Fatalf("deadline should clear on completion")
	}

	con, err := env.Engine.GetUser(env.Ctx, "con")
	if err != nil {
		t.Fatal(err)
	}
	if !con.Balance.Equal(dec(t, "500.00")) {
		t.Fatalf("contractor balance = %s, want 500", con.Balance)
	}
	o, err = env.Engine.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.OrderCompleted {
		t.Fatalf("order is %s, want completed", o.Status)
	}
	if o.Milestones[0].PayoutStatus != domain.PayoutPaid {
		t.Fatalf("milestone payout is %s, want paid", o.Milestones[0].PayoutStatus)
	}
}

func TestNonParticipantCannotSign(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	env.mustUser(t, "mallory", domain.RoleCustomer)
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, o.Milestones[0].ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SignAct(env.Ctx, a.ID, "mallory")
	var perm engine.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
}

func TestSignTerminalActIsNoop(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, o.Milestones[0].ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	a, err = env.Engine.RejectAct(env.Ctx, a.ID, "cust", "not good enough")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if a.Status != domain.ActRejected {
		t.Fatalf("act is %s, want rejected", a.Status)
	}
	if a.RejectionReason == nil || *a.RejectionReason != "not good enough" {
		t.Fatalf("missing rejection reason")
	}

	a, err = env.Engine.SignAct(env.Ctx, a.ID, "con")
	if err != nil || a.Status != domain.ActRejected {
		t.Fatalf("sign after reject: err=%v status=%s", err, a.Status)
	}
	a, err = env.Engine.AutoSign(env.Ctx, a.ID)
	if err != nil || a.Status != domain.ActRejected {
		t.Fatalf("auto-sign after reject: err=%v status=%s", err, a.Status)
	}
	if len(a.Signatures) != 0 {
		t.Fatalf("terminal act gained signatures: %+v", a.Signatures)
	}
}

func TestRejectedMilestoneGetsNewAct(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	m := o.Milestones[0]
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, m.ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	// a second act while one is open is refused
	if _, err := env.Engine.GenerateAct(env.Ctx, o.ID, m.ID, "", nil, "con"); err == nil {
		t.Fatalf("expected open-act conflict")
	}
	if _, err := env.Engine.RejectAct(env.Ctx, a.ID, "cust", "redo"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Milestones[0].Status != domain.MilestoneRejected {
		t.Fatalf("milestone is %s, want rejected", got.Milestones[0].Status)
	}
	a2, err := env.Engine.GenerateAct(env.Ctx, o.ID, m.ID, "second round", nil, "con")
	if err != nil {
		t.Fatalf("second act: %v", err)
	}
	if a2.ID == a.ID {
		t.Fatalf("expected a fresh act")
	}
}

func TestSettlementPendingAndRetry(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "cust", domain.RoleCustomer)
	o := env.mustOrder(t, "cust", "500.00")
	env.mustDeposit(t, "cust", "500.00")
	if _, err := env.Engine.Fund(env.Ctx, o.ID, "cust", dec(t, "500.00")); err != nil {
		t.Fatal(err)
	}
	// "ghost" has no ledger account yet, so the release cannot land
	o, err := env.Engine.AssignContractor(env.Ctx, o.ID, "ghost", "cust")
	if err != nil {
		t.Fatal(err)
	}
	m := o.Milestones[0]
	if _, err := env.Engine.UpdateMilestoneStatus(env.Ctx, o.ID, m.ID, domain.MilestoneInProgress, "ghost"); err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, m.ID, "", nil, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignAct(env.Ctx, a.ID, "ghost"); err != nil {
		t.Fatal(err)
	}
	a, err = env.Engine.SignAct(env.Ctx, a.ID, "cust")
	var rec engine.ReconciliationError
	if !errors.As(err, &rec) {
		t.Fatalf("expected ReconciliationError, got %v", err)
	}
	if a.Status != domain.ActCompleted {
		t.Fatalf("act is %s, want completed despite settlement failure", a.Status)
	}
	pending, err := env.Engine.PendingPayouts(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != m.ID {
		t.Fatalf("pending payouts = %+v", pending)
	}

	// an order with a stuck payout refuses to cancel
	if _, err := env.Engine.CancelOrder(env.Ctx, o.ID, "cust", "give up"); err == nil {
		t.Fatalf("expected cancel refusal while payout pending")
	}

	env.mustUser(t, "ghost", domain.RoleContractor)
	got, err := env.Engine.RetrySettlement(env.Ctx, o.ID, m.ID, "cust")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.PayoutStatus != domain.PayoutPaid {
		t.Fatalf("payout is %s, want paid", got.PayoutStatus)
	}
	ghost, err := env.Engine.GetUser(env.Ctx, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if !ghost.Balance.Equal(dec(t, "500.00")) {
		t.Fatalf("contractor balance = %s, want 500", ghost.Balance)
	}

	// paid exactly once: a second retry is refused and nothing moves
	_, err = env.Engine.RetrySettlement(env.Ctx, o.ID, m.ID, "cust")
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError on re-retry, got %v", err)
	}
	ghost, _ = env.Engine.GetUser(env.Ctx, "ghost")
	if !ghost.Balance.Equal(dec(t, "500.00")) {
		t.Fatalf("balance moved on re-retry: %s", ghost.Balance)
	}
}

func TestVoteMajoritySwapsRepresentative(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		env.mustUser(t, id, domain.RoleCustomer)
	}
	o, err := env.Engine.CreateGroupOrder(env.Ctx, engine.OrderCreateOptions{
		Title:       "group build",
		CustomerIDs: []string{"c1", "c2", "c3"},
		Milestones: []engine.MilestoneSpec{{
			Description: "all of it", Amount: dec(t, "900.00"), Deadline: "2026-06-01T00:00:00Z",
		}},
		ActorID: "c1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.RepresentativeID != "c1" {
		t.Fatalf("initial representative = %s, want c1", o.RepresentativeID)
	}

	changed, rep, err := env.Engine.VoteForRepresentative(env.Ctx, o.ID, "c2", "c2")
	if err != nil || changed {
		t.Fatalf("single ballot swapped: changed=%v err=%v", changed, err)
	}
	if rep != "c1" {
		t.Fatalf("representative = %s, want still c1", rep)
	}
	changed, rep, err = env.Engine.VoteForRepresentative(env.Ctx, o.ID, "c3", "c2")
	if err != nil {
		t.Fatal(err)
	}
	if !changed || rep != "c2" {
		t.Fatalf("majority did not swap: changed=%v rep=%s", changed, rep)
	}

	// ballots clear on a swap
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM votes WHERE order_id=?`, o.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected cleared ballots, got %d", count)
	}

	// outsiders cannot vote
	env.mustUser(t, "mallory", domain.RoleCustomer)
	if _, _, err := env.Engine.VoteForRepresentative(env.Ctx, o.ID, "mallory", "c2"); err == nil {
		t.Fatalf("expected permission error")
	}
}

func TestCancelOrderRefundsProRata(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "c1", domain.RoleCustomer)
	env.mustUser(t, "c2", domain.RoleCustomer)
	env.mustUser(t, "con", domain.RoleContractor)
	env.mustDeposit(t, "c1", "300.00")
	env.mustDeposit(t, "c2", "100.00")

	o, err := env.Engine.CreateGroupOrder(env.Ctx, engine.OrderCreateOptions{
		Title:       "shared build",
		CustomerIDs: []string{"c1", "c2"},
		Milestones: []engine.MilestoneSpec{
			{Description: "first", Amount: dec(t, "300.00"), Deadline: "2026-06-01T00:00:00Z"},
			{Description: "second", Amount: dec(t, "100.00"), Deadline: "2026-07-01T00:00:00Z"},
		},
		ActorID: "c1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Fund(env.Ctx, o.ID, "c1", dec(t, "300.00")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Fund(env.Ctx, o.ID, "c2", dec(t, "100.00")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignContractor(env.Ctx, o.ID, "con", "c1"); err != nil {
		t.Fatal(err)
	}

	// complete and settle the first milestone
	m1 := o.Milestones[0]
	if _, err := env.Engine.UpdateMilestoneStatus(env.Ctx, o.ID, m1.ID, domain.MilestoneInProgress, "con"); err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, m1.ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignAct(env.Ctx, a.ID, "con"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignAct(env.Ctx, a.ID, "c1"); err != nil {
		t.Fatalf("representative sign: %v", err)
	}

	o, err = env.Engine.CancelOrder(env.Ctx, o.ID, "c1", "stopping here")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Status != domain.OrderCancelled {
		t.Fatalf("order is %s, want cancelled", o.Status)
	}

	// 100 remains in escrow; c1 held 300 of 400, c2 held 100 of 400
	c1, _ := env.Engine.GetUser(env.Ctx, "c1")
	c2, _ := env.Engine.GetUser(env.Ctx, "c2")
	con, _ := env.Engine.GetUser(env.Ctx, "con")
	if !c1.Balance.Equal(dec(t, "75.00")) {
		t.Fatalf("c1 balance = %s, want 75", c1.Balance)
	}
	if !c2.Balance.Equal(dec(t, "25.00")) {
		t.Fatalf("c2 balance = %s, want 25", c2.Balance)
	}
	if !con.Balance.Equal(dec(t, "300.00")) {
		t.Fatalf("contractor keeps the settled share, got %s", con.Balance)
	}
}

func TestCancelRejectsOpenActs(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, o.Milestones[0].ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelOrder(env.Ctx, o.ID, "cust", "abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	a, err = env.Engine.GetAct(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.ActRejected {
		t.Fatalf("act is %s, want rejected", a.Status)
	}
	if a.RejectionReason == nil || *a.RejectionReason != "order cancelled" {
		t.Fatalf("reason = %v", a.RejectionReason)
	}
	if a.AutoSignAt != nil {
		t.Fatalf("auto-sign deadline should clear")
	}
	// the customer got the full escrow back
	cust, _ := env.Engine.GetUser(env.Ctx, "cust")
	if !cust.Balance.Equal(dec(t, "500.00")) {
		t.Fatalf("customer balance = %s, want 500", cust.Balance)
	}
}

func TestCompletedOrderCannotCancel(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, o.Milestones[0].ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignAct(env.Ctx, a.ID, "con"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignAct(env.Ctx, a.ID, "cust"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CancelOrder(env.Ctx, o.ID, "cust", "too late")
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestNotificationsOnSettlement(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	var kinds []string
	env.Engine.Bus.Subscribe(func(n notify.Notification) {
		kinds = append(kinds, string(n.Kind))
	})
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, o.Milestones[0].ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignAct(env.Ctx, a.ID, "con"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SignAct(env.Ctx, a.ID, "cust"); err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"act.created": false, "act.signed": false, "act.completed": false,
		"milestone.paid": false, "order.completed": false,
	}
	for _, k := range kinds {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Fatalf("missing notification %s in %v", k, kinds)
		}
	}
}

func TestEventJournal(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	events, err := env.Engine.ListEvents(env.Ctx, 50, 0, o.ID, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"order.created", "order.funded", "order.contractor_assigned", "milestone.status_changed"} {
		if !seen[want] {
			t.Fatalf("missing event %s, got %v", want, seen)
		}
	}
}

func TestTwoMilestoneOrderCompletesSequentially(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00", "300.00")

	signBoth := func(milestoneID string) {
		t.Helper()
		a, err := env.Engine.GenerateAct(env.Ctx, o.ID, milestoneID, "", nil, "con")
		if err != nil {
			t.Fatalf("generate act: %v", err)
		}
		if _, err := env.Engine.SignAct(env.Ctx, a.ID, "con"); err != nil {
			t.Fatalf("contractor sign: %v", err)
		}
		if _, err := env.Engine.SignAct(env.Ctx, a.ID, "cust"); err != nil {
			t.Fatalf("customer sign: %v", err)
		}
	}

	signBoth(o.Milestones[0].ID)
	mid, err := env.Engine.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if mid.Status != domain.OrderInProgress {
		t.Fatalf("order is %s after first milestone, want in_progress", mid.Status)
	}
	if mid.Milestones[0].PayoutStatus != domain.PayoutPaid {
		t.Fatalf("first payout is %s, want paid", mid.Milestones[0].PayoutStatus)
	}
	con, _ := env.Engine.GetUser(env.Ctx, "con")
	if !con.Balance.Equal(dec(t, "500.00")) {
		t.Fatalf("contractor balance = %s after first milestone, want 500", con.Balance)
	}

	if _, err := env.Engine.UpdateMilestoneStatus(env.Ctx, o.ID, mid.Milestones[1].ID, domain.MilestoneInProgress, "con"); err != nil {
		t.Fatalf("second milestone in_progress: %v", err)
	}
	signBoth(mid.Milestones[1].ID)
	done, err := env.Engine.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.OrderCompleted {
		t.Fatalf("order is %s after both milestones, want completed", done.Status)
	}
	con, _ = env.Engine.GetUser(env.Ctx, "con")
	if !con.Balance.Equal(dec(t, "800.00")) {
		t.Fatalf("contractor balance = %s, want 800", con.Balance)
	}
}

func TestRepresentativeChangeInvalidatesCustomerSignature(t *testing.T) {
	env := newTestEnv(t)
	env.mustUser(t, "c1", domain.RoleCustomer)
	env.mustUser(t, "c2", domain.RoleCustomer)
	env.mustUser(t, "con", domain.RoleContractor)
	env.mustDeposit(t, "c1", "400.00")
	env.mustDeposit(t, "c2", "400.00")
	o, err := env.Engine.CreateGroupOrder(env.Ctx, engine.OrderCreateOptions{
		Title:       "group build",
		CustomerIDs: []string{"c1", "c2"},
		Milestones: []engine.MilestoneSpec{{
			Description: "all of it", Amount: dec(t, "800.00"), Deadline: "2026-06-01T00:00:00Z",
		}},
		ActorID: "c1",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, payer := range []string{"c1", "c2"} {
		if _, err := env.Engine.Fund(env.Ctx, o.ID, payer, dec(t, "400.00")); err != nil {
			t.Fatalf("fund by %s: %v", payer, err)
		}
	}
	if o, err = env.Engine.AssignContractor(env.Ctx, o.ID, "con", "c1"); err != nil {
		t.Fatalf("assign contractor: %v", err)
	}
	m := o.Milestones[0]
	if _, err := env.Engine.UpdateMilestoneStatus(env.Ctx, o.ID, m.ID, domain.MilestoneInProgress, "con"); err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, m.ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}

	// the sitting representative signs first
	a, err = env.Engine.SignAct(env.Ctx, a.ID, "c1")
	if err != nil {
		t.Fatalf("representative sign: %v", err)
	}
	if a.Status != domain.ActSignedCustomer {
		t.Fatalf("act is %s, want signed_customer", a.Status)
	}

	// both customers elect c2 mid-signing
	for _, voter := range []string{"c1", "c2"} {
		if _, _, err := env.Engine.VoteForRepresentative(env.Ctx, o.ID, voter, "c2"); err != nil {
			t.Fatalf("vote by %s: %v", voter, err)
		}
	}

	// the stale representative signature no longer counts: the
	// contractor's signature must not complete the act or move money
	a, err = env.Engine.SignAct(env.Ctx, a.ID, "con")
	if err != nil {
		t.Fatalf("contractor sign: %v", err)
	}
	if a.Status != domain.ActSignedContractor {
		t.Fatalf("act is %s after contractor sign, want signed_contractor", a.Status)
	}
	con, _ := env.Engine.GetUser(env.Ctx, "con")
	if !con.Balance.IsZero() {
		t.Fatalf("payout released without the sitting representative: %s", con.Balance)
	}

	// the sitting representative's signature is recorded and completes
	a, err = env.Engine.SignAct(env.Ctx, a.ID, "c2")
	if err != nil {
		t.Fatalf("new representative sign: %v", err)
	}
	if a.Status != domain.ActCompleted {
		t.Fatalf("act is %s, want completed", a.Status)
	}
	if !a.SignedBy("c2") {
		t.Fatalf("new representative signature missing: %+v", a.Signatures)
	}
	con, _ = env.Engine.GetUser(env.Ctx, "con")
	if !con.Balance.Equal(dec(t, "800.00")) {
		t.Fatalf("contractor balance = %s, want 800", con.Balance)
	}
}

func TestPlatformUserCannotSign(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	env.mustUser(t, "admin", domain.RolePlatform)

	a, err := env.Engine.GenerateAct(env.Ctx, o.ID, o.Milestones[0].ID, "", nil, "con")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SignAct(env.Ctx, a.ID, "admin")
	var perm engine.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError for platform signer, got %v", err)
	}
	a, err = env.Engine.GetAct(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Signatures) != 0 {
		t.Fatalf("platform signature recorded: %+v", a.Signatures)
	}

	// the platform retains the reject privilege
	a, err = env.Engine.RejectAct(env.Ctx, a.ID, "admin", "not acceptable")
	if err != nil {
		t.Fatalf("platform reject: %v", err)
	}
	if a.Status != domain.ActRejected {
		t.Fatalf("act is %s, want rejected", a.Status)
	}
}

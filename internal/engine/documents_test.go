package engine_test

import (
	"errors"
	"testing"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

func TestDeliverableRequiresContractor(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")

	_, err := env.Engine.CreateDocument(env.Ctx, engine.DocumentCreateOptions{
		OrderID: o.ID,
		Kind:    domain.KindDeliverable,
		Name:    "sneaky",
		ActorID: "cust",
	})
	var perm engine.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected PermissionError, got %v", err)
	}

	d, err := env.Engine.CreateDocument(env.Ctx, engine.DocumentCreateOptions{
		OrderID: o.ID,
		Kind:    domain.KindDeliverable,
		Name:    "the work",
		Content: "done",
		ActorID: "con",
	})
	if err != nil {
		t.Fatalf("contractor deliverable: %v", err)
	}
	if d.SubmittedAt == nil {
		t.Fatalf("deliverable missing submission timestamp")
	}
}

func TestApproveDocumentIdempotent(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "500.00")
	d, err := env.Engine.CreateDocument(env.Ctx, engine.DocumentCreateOptions{
		OrderID: o.ID,
		Kind:    domain.KindSpecification,
		Name:    "spec v1",
		Content: "build it",
		ActorID: "cust",
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err = env.Engine.ApproveDocument(env.Ctx, d.ID, "con")
	if err != nil {
		t.Fatal(err)
	}
	d, err = env.Engine.ApproveDocument(env.Ctx, d.ID, "con")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.ApprovedBy) != 1 {
		t.Fatalf("approvals = %v, want one entry", d.ApprovedBy)
	}

	// replacing the content drops approvals; they covered the old variant
	d, err = env.Engine.ReplaceDocumentContent(env.Ctx, d.ID, "build it differently", nil, "cust")
	if err != nil {
		t.Fatal(err)
	}
	if len(d.ApprovedBy) != 0 {
		t.Fatalf("approvals survived replacement: %v", d.ApprovedBy)
	}
}

func TestGeneratedPipeline(t *testing.T) {
	env := newTestEnv(t)
	o := env.mustWorkingOrder(t, "300.00", "200.00")

	// done criteria need a roadmap first
	if _, err := env.Engine.GenerateDoneCriteriaDoc(env.Ctx, o.ID, "cust"); err == nil {
		t.Fatalf("expected missing-roadmap error")
	}

	if _, err := env.Engine.GenerateReadinessDoc(env.Ctx, o.ID, "cust"); err != nil {
		t.Fatalf("readiness: %v", err)
	}
	_, phases, err := env.Engine.GenerateRoadmapDoc(env.Ctx, o.ID, "cust")
	if err != nil {
		t.Fatalf("roadmap: %v", err)
	}
	if len(phases) != 2 {
		t.Fatalf("phases = %d, want one per milestone", len(phases))
	}
	if _, err := env.Engine.GenerateDoneCriteriaDoc(env.Ctx, o.ID, "cust"); err != nil {
		t.Fatalf("done criteria: %v", err)
	}

	if _, err := env.Engine.CreateDocument(env.Ctx, engine.DocumentCreateOptions{
		OrderID: o.ID,
		Kind:    domain.KindDeliverable,
		Name:    "phase one result",
		Content: "shipped",
		PhaseID: phases[0].ID,
		ActorID: "con",
	}); err != nil {
		t.Fatal(err)
	}

	v, err := env.Engine.CheckDeliverable(env.Ctx, o.ID, phases[0].ID, "cust")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !v.Compliant || v.Score != 100 {
		t.Fatalf("verdict = %+v, want compliant", v)
	}
	// the unworked phase stays non-compliant
	v, err = env.Engine.CheckDeliverable(env.Ctx, o.ID, phases[1].ID, "cust")
	if err != nil {
		t.Fatal(err)
	}
	if v.Compliant {
		t.Fatalf("phase without deliverables reported compliant")
	}
}

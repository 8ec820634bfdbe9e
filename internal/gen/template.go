package gen

import (
	"context"
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

// Template is a deterministic Generator backed by the order's own
// milestone list. It keeps the document pipeline exercisable without
// any external model call.
type Template struct{}

func NewTemplate() Template { return Template{} }

func (Template) GenerateReadiness(_ context.Context, order domain.Order) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Definition of Ready for %q\n\n", order.Title)
	fmt.Fprintf(&b, "Scope: %d milestones, total %s.\n", len(order.Milestones), order.TotalAmount)
	for _, m := range order.Milestones {
		fmt.Fprintf(&b, "- %s (%s, due %s)\n", m.Description, m.Amount, m.Deadline)
	}
	return b.String(), nil
}

func (Template) GenerateRoadmap(_ context.Context, order domain.Order) ([]Phase, error) {
	phases := make([]Phase, 0, len(order.Milestones))
	var prev string
	for i, m := range order.Milestones {
		p := Phase{
			ID:    fmt.Sprintf("phase-%d", i+1),
			Title: m.Description,
		}
		if prev != "" {
			p.DependsOn = []string{prev}
		}
		phases = append(phases, p)
		prev = p.ID
	}
	return phases, nil
}

func (Template) GenerateDoneCriteria(_ context.Context, _ domain.Order, phases []Phase) ([]Criterion, error) {
	var criteria []Criterion
	for _, p := range phases {
		criteria = append(criteria,
			Criterion{ID: p.ID + "-delivered", PhaseID: p.ID, Text: "Deliverable submitted for " + p.Title},
			Criterion{ID: p.ID + "-documented", PhaseID: p.ID, Text: "Deliverable carries content or attachments"},
		)
	}
	return criteria, nil
}

func (Template) ValidateDeliverables(_ context.Context, _ domain.Order, phaseID string, deliverables []domain.Document, criteria []Criterion) (Verdict, error) {
	submitted := len(deliverables) > 0
	documented := false
	for _, d := range deliverables {
		if d.Content != "" || len(d.Attachments) > 0 {
			documented = true
			break
		}
	}
	var details []CriterionResult
	met := 0
	total := 0
	for _, c := range criteria {
		if c.PhaseID != phaseID {
			continue
		}
		total++
		ok := submitted
		if strings.HasSuffix(c.ID, "-documented") {
			ok = documented
		}
		if ok {
			met++
		}
		details = append(details, CriterionResult{CriterionID: c.ID, Met: ok})
	}
	v := Verdict{Details: details}
	if total > 0 {
		v.Score = met * 100 / total
	}
	v.Compliant = total > 0 && met == total
	return v, nil
}

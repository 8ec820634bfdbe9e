// Package gen defines the content-generation collaborators the
// settlement core consumes. The core treats them as pure functions from
// order context to content; whether a human, a template, or a model
// produced the text is invisible to it.
package gen

import (
	"context"

	"escrowline/internal/domain"
)

// Phase is one step of a roadmap.
type Phase struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Criterion is one definition-of-done check linked to a roadmap phase.
type Criterion struct {
	ID      string `json:"id"`
	PhaseID string `json:"phase_id"`
	Text    string `json:"text"`
}

// CriterionResult is the per-criterion detail of a compliance verdict.
type CriterionResult struct {
	CriterionID string `json:"criterion_id"`
	Met         bool   `json:"met"`
	Note        string `json:"note,omitempty"`
}

// Verdict is the result of checking deliverables against done criteria.
type Verdict struct {
	Compliant bool              `json:"compliant"`
	Score     int               `json:"score"`
	Details   []CriterionResult `json:"details,omitempty"`
}

// Generator produces document content for an order. Implementations may
// block on I/O; the engine calls them before committing any state.
type Generator interface {
	GenerateReadiness(ctx context.Context, order domain.Order) (string, error)
	GenerateRoadmap(ctx context.Context, order domain.Order) ([]Phase, error)
	GenerateDoneCriteria(ctx context.Context, order domain.Order, phases []Phase) ([]Criterion, error)
	ValidateDeliverables(ctx context.Context, order domain.Order, phaseID string, deliverables []domain.Document, criteria []Criterion) (Verdict, error)
}

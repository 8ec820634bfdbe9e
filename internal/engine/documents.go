package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/gen"
	"escrowline/internal/notify"
	"escrowline/internal/repo"
)

// DocumentCreateOptions are parameters for attaching a document to an
// order.
type DocumentCreateOptions struct {
	OrderID     string
	Kind        string
	Name        string
	Content     string
	PhaseID     string
	Attachments []string
	ActorID     string
}

// CreateDocument stores a document variant on an order. Deliverables
// must come from the contractor and get a submission timestamp.
func (e Engine) CreateDocument(ctx context.Context, opts DocumentCreateOptions) (domain.Document, error) {
	switch opts.Kind {
	case domain.KindDefinitionOfReady, domain.KindRoadmap, domain.KindDefinitionOfDone,
		domain.KindSpecification, domain.KindDeliverable:
	default:
		return domain.Document{}, validationf("unknown document kind %q", opts.Kind)
	}
	if opts.Name == "" {
		return domain.Document{}, validationf("document name is required")
	}
	o, err := e.Repo.GetOrder(ctx, opts.OrderID)
	if err != nil {
		return domain.Document{}, err
	}
	if opts.Kind == domain.KindDeliverable {
		if o.ContractorID == nil || opts.ActorID != *o.ContractorID {
			if !e.isPlatform(ctx, opts.ActorID) {
				return domain.Document{}, permissionf("user %s may not submit deliverables on order %s", opts.ActorID, opts.OrderID)
			}
		}
	}
	now := e.nowStr()
	d := domain.Document{
		ID:          uuid.New().String(),
		OrderID:     opts.OrderID,
		Kind:        opts.Kind,
		Name:        opts.Name,
		Content:     opts.Content,
		Attachments: opts.Attachments,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.PhaseID != "" {
		d.PhaseID = &opts.PhaseID
	}
	if opts.Kind == domain.KindDeliverable {
		d.SubmittedAt = &now
	}
	if err := e.insertDocument(ctx, d, opts.ActorID); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

func (e Engine) insertDocument(ctx context.Context, d domain.Document, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocumentTx(ctx, tx, d); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "document.created", d.OrderID, "document", d.ID, actorID, events.EventPayload{
		"kind": d.Kind,
		"name": d.Name,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(notify.Notification{Kind: notify.DocumentCreated, OrderID: d.OrderID, DocumentID: d.ID, UserID: actorID})
	return nil
}

// ReplaceDocumentContent swaps the document's content and attachments.
// Approvals and any compliance verdict are dropped because they applied
// to the previous variant.
func (e Engine) ReplaceDocumentContent(ctx context.Context, docID, content string, attachments []string, actorID string) (domain.Document, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDocumentTx(ctx, tx, docID)
	if err != nil {
		return domain.Document{}, err
	}
	if actorID != d.CreatedBy && !e.isPlatform(ctx, actorID) {
		return domain.Document{}, permissionf("user %s may not modify document %s", actorID, docID)
	}
	now := e.nowStr()
	d.Content = content
	d.Attachments = attachments
	d.Compliance = nil
	d.ApprovedBy = nil
	if d.Kind == domain.KindDeliverable {
		d.SubmittedAt = &now
	}
	d.UpdatedAt = now
	if err := e.Repo.UpdateDocumentTx(ctx, tx, d); err != nil {
		return domain.Document{}, err
	}
	if err := e.Events.Append(ctx, tx, "document.replaced", d.OrderID, "document", d.ID, actorID, nil); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

// ApproveDocument records the actor's approval on the current variant.
// Approving twice is a no-op.
func (e Engine) ApproveDocument(ctx context.Context, docID, actorID string) (domain.Document, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDocumentTx(ctx, tx, docID)
	if err != nil {
		return domain.Document{}, err
	}
	o, err := e.Repo.GetOrderTx(ctx, tx, d.OrderID)
	if err != nil {
		return domain.Document{}, err
	}
	allowed := o.IsCustomer(actorID) || e.isPlatform(ctx, actorID)
	if !allowed && o.ContractorID != nil {
		allowed = actorID == *o.ContractorID
	}
	if !allowed {
		return domain.Document{}, permissionf("user %s may not approve documents on order %s", actorID, d.OrderID)
	}
	for _, id := range d.ApprovedBy {
		if id == actorID {
			return d, nil
		}
	}
	d.ApprovedBy = append(d.ApprovedBy, actorID)
	d.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateDocumentTx(ctx, tx, d); err != nil {
		return domain.Document{}, err
	}
	if err := e.Events.Append(ctx, tx, "document.approved", d.OrderID, "document", d.ID, actorID, nil); err != nil {
		return domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

// GenerateReadinessDoc produces the order's definition-of-ready via the
// configured generator and stores it.
func (e Engine) GenerateReadinessDoc(ctx context.Context, orderID, actorID string) (domain.Document, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Document{}, err
	}
	content, err := e.Gen.GenerateReadiness(ctx, o)
	if err != nil {
		return domain.Document{}, err
	}
	return e.storeGenerated(ctx, o, domain.KindDefinitionOfReady, "Definition of Ready", content, actorID)
}

// GenerateRoadmapDoc produces the phase roadmap and stores it as JSON.
func (e Engine) GenerateRoadmapDoc(ctx context.Context, orderID, actorID string) (domain.Document, []gen.Phase, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Document{}, nil, err
	}
	phases, err := e.Gen.GenerateRoadmap(ctx, o)
	if err != nil {
		return domain.Document{}, nil, err
	}
	payload, err := json.Marshal(phases)
	if err != nil {
		return domain.Document{}, nil, err
	}
	d, err := e.storeGenerated(ctx, o, domain.KindRoadmap, "Roadmap", string(payload), actorID)
	if err != nil {
		return domain.Document{}, nil, err
	}
	return d, phases, nil
}

// GenerateDoneCriteriaDoc produces definition-of-done criteria for the
// order's current roadmap and stores them as JSON.
func (e Engine) GenerateDoneCriteriaDoc(ctx context.Context, orderID, actorID string) (domain.Document, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Document{}, err
	}
	phases, err := e.latestRoadmap(ctx, orderID)
	if err != nil {
		return domain.Document{}, err
	}
	criteria, err := e.Gen.GenerateDoneCriteria(ctx, o, phases)
	if err != nil {
		return domain.Document{}, err
	}
	payload, err := json.Marshal(criteria)
	if err != nil {
		return domain.Document{}, err
	}
	return e.storeGenerated(ctx, o, domain.KindDefinitionOfDone, "Definition of Done", string(payload), actorID)
}

func (e Engine) storeGenerated(ctx context.Context, o domain.Order, kind, name, content, actorID string) (domain.Document, error) {
	now := e.nowStr()
	d := domain.Document{
		ID:        uuid.New().String(),
		OrderID:   o.ID,
		Kind:      kind,
		Name:      name,
		Content:   content,
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.insertDocument(ctx, d, actorID); err != nil {
		return domain.Document{}, err
	}
	return d, nil
}

func (e Engine) latestRoadmap(ctx context.Context, orderID string) ([]gen.Phase, error) {
	docs, err := e.Repo.ListDocuments(ctx, repo.DocumentFilters{OrderID: orderID, Kind: domain.KindRoadmap, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, invalidStatef("order %s has no roadmap yet", orderID)
	}
	var phases []gen.Phase
	if err := json.Unmarshal([]byte(docs[0].Content), &phases); err != nil {
		return nil, validationf("roadmap document %s holds no valid phase list", docs[0].ID)
	}
	return phases, nil
}

// CheckDeliverable validates a phase's deliverables against the stored
// done criteria and records the verdict on each deliverable.
func (e Engine) CheckDeliverable(ctx context.Context, orderID, phaseID, actorID string) (gen.Verdict, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return gen.Verdict{}, err
	}
	criteria, err := e.latestDoneCriteria(ctx, orderID)
	if err != nil {
		return gen.Verdict{}, err
	}
	deliverables, err := e.Repo.ListDocuments(ctx, repo.DocumentFilters{OrderID: orderID, Kind: domain.KindDeliverable, PhaseID: phaseID})
	if err != nil {
		return gen.Verdict{}, err
	}
	verdict, err := e.Gen.ValidateDeliverables(ctx, o, phaseID, deliverables, criteria)
	if err != nil {
		return gen.Verdict{}, err
	}
	payload, err := json.Marshal(verdict)
	if err != nil {
		return gen.Verdict{}, err
	}
	compliance := string(payload)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return gen.Verdict{}, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	for _, d := range deliverables {
		d.Compliance = &compliance
		d.UpdatedAt = now
		if err := e.Repo.UpdateDocumentTx(ctx, tx, d); err != nil {
			return gen.Verdict{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "deliverable.checked", orderID, "order", orderID, actorID, events.EventPayload{
		"phase_id":  phaseID,
		"compliant": verdict.Compliant,
		"score":     verdict.Score,
	}); err != nil {
		return gen.Verdict{}, err
	}
	if err := tx.Commit(); err != nil {
		return gen.Verdict{}, err
	}
	return verdict, nil
}

func (e Engine) latestDoneCriteria(ctx context.Context, orderID string) ([]gen.Criterion, error) {
	docs, err := e.Repo.ListDocuments(ctx, repo.DocumentFilters{OrderID: orderID, Kind: domain.KindDefinitionOfDone, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, invalidStatef("order %s has no definition of done yet", orderID)
	}
	var criteria []gen.Criterion
	if err := json.Unmarshal([]byte(docs[0].Content), &criteria); err != nil {
		return nil, validationf("definition of done %s holds no valid criteria list", docs[0].ID)
	}
	return criteria, nil
}

func (e Engine) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return e.Repo.GetDocument(ctx, id)
}

func (e Engine) ListDocuments(ctx context.Context, f repo.DocumentFilters) ([]domain.Document, error) {
	return e.Repo.ListDocuments(ctx, f)
}

package repo

import (
	"context"
	"database/sql"
	"strings"

	"escrowline/internal/domain"
)

const documentColumns = `id,order_id,kind,name,content,phase_id,submitted_at,attachments_json,compliance_json,approved_by_json,created_by,created_at,updated_at`

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.OrderID, d.Kind, d.Name, nullable(d.Content), nullableStringPtr(d.PhaseID), nullableStringPtr(d.SubmittedAt),
		marshalStrings(d.Attachments), nullableStringPtr(d.Compliance), marshalStrings(d.ApprovedBy),
		d.CreatedBy, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var d domain.Document
	var content, phaseID, submittedAt, attachments, compliance, approvedBy sql.NullString
	err := row.Scan(&d.ID, &d.OrderID, &d.Kind, &d.Name, &content, &phaseID, &submittedAt, &attachments, &compliance, &approvedBy, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if content.Valid {
		d.Content = content.String
	}
	if phaseID.Valid {
		d.PhaseID = &phaseID.String
	}
	if submittedAt.Valid {
		d.SubmittedAt = &submittedAt.String
	}
	if compliance.Valid {
		d.Compliance = &compliance.String
	}
	d.Attachments = unmarshalStrings(attachments)
	d.ApprovedBy = unmarshalStrings(approvedBy)
	return d, nil
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
}

type DocumentFilters struct {
	OrderID string
	Kind    string
	PhaseID string
	Limit   int
}

func (r Repo) ListDocuments(ctx context.Context, f DocumentFilters) ([]domain.Document, error) {
	var clauses []string
	var args []any
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.PhaseID != "" {
		clauses = append(clauses, "phase_id=?")
		args = append(args, f.PhaseID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + documentColumns + ` FROM documents ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

// UpdateDocumentTx persists content replacement and approval bookkeeping.
func (r Repo) UpdateDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET name=?, content=?, submitted_at=?, attachments_json=?, compliance_json=?, approved_by_json=?, updated_at=? WHERE id=?`,
		d.Name, nullable(d.Content), nullableStringPtr(d.SubmittedAt), marshalStrings(d.Attachments),
		nullableStringPtr(d.Compliance), marshalStrings(d.ApprovedBy), d.UpdatedAt, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- acts ---

const actColumns = `id,order_id,milestone_id,name,status,rejection_reason,auto_sign_at,created_by,created_at,updated_at`

func (r Repo) InsertActTx(ctx context.Context, tx *sql.Tx, a domain.Act) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO acts(`+actColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OrderID, a.MilestoneID, a.Name, a.Status, nullableStringPtr(a.RejectionReason),
		nullableStringPtr(a.AutoSignAt), a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	for _, deliverableID := range a.DeliverableIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO act_deliverables(act_id,deliverable_id) VALUES (?,?)`,
			a.ID, deliverableID); err != nil {
			return err
		}
	}
	return nil
}

func scanAct(row rowScanner) (domain.Act, error) {
	var a domain.Act
	var reason, autoSignAt sql.NullString
	err := row.Scan(&a.ID, &a.OrderID, &a.MilestoneID, &a.Name, &a.Status, &reason, &autoSignAt, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if reason.Valid {
		a.RejectionReason = &reason.String
	}
	if autoSignAt.Valid {
		a.AutoSignAt = &autoSignAt.String
	}
	return a, nil
}

func (r Repo) getAct(ctx context.Context, q querier, id string) (domain.Act, error) {
	a, err := scanAct(q.QueryRowContext(ctx, `SELECT `+actColumns+` FROM acts WHERE id=?`, id))
	if err != nil {
		return a, err
	}
	rows, err := q.QueryContext(ctx, `SELECT user_id,signed_at FROM act_signatures WHERE act_id=? ORDER BY seq`, id)
	if err != nil {
		return a, err
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.Signature
		if err := rows.Scan(&s.UserID, &s.SignedAt); err != nil {
			return a, err
		}
		a.Signatures = append(a.Signatures, s)
	}
	rows.Close()
	drows, err := q.QueryContext(ctx, `SELECT deliverable_id FROM act_deliverables WHERE act_id=?`, id)
	if err != nil {
		return a, err
	}
	defer drows.Close()
	for drows.Next() {
		var deliverableID string
		if err := drows.Scan(&deliverableID); err != nil {
			return a, err
		}
		a.DeliverableIDs = append(a.DeliverableIDs, deliverableID)
	}
	return a, nil
}

func (r Repo) GetAct(ctx context.Context, id string) (domain.Act, error) {
	return r.getAct(ctx, r.DB, id)
}

func (r Repo) GetActTx(ctx context.Context, tx *sql.Tx, id string) (domain.Act, error) {
	return r.getAct(ctx, tx, id)
}

func (r Repo) ListActs(ctx context.Context, orderID string) ([]domain.Act, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM acts WHERE order_id=? ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	var res []domain.Act
	for _, id := range ids {
		a, err := r.getAct(ctx, r.DB, id)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// ListActsForMilestone returns acts referencing the milestone, newest
// first. A milestone can accumulate several acts through reject cycles.
func (r Repo) ListActsForMilestone(ctx context.Context, milestoneID string) ([]domain.Act, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM acts WHERE milestone_id=? ORDER BY created_at DESC, id DESC`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	var res []domain.Act
	for _, id := range ids {
		a, err := r.getAct(ctx, r.DB, id)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) UpdateActTx(ctx context.Context, tx *sql.Tx, a domain.Act) error {
	res, err := tx.ExecContext(ctx, `UPDATE acts SET status=?, rejection_reason=?, auto_sign_at=?, updated_at=? WHERE id=?`,
		a.Status, nullableStringPtr(a.RejectionReason), nullableStringPtr(a.AutoSignAt), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSignatureTx appends a signature preserving receipt order.
// Duplicate signers are rejected by the primary key; callers check
// SignedBy first.
func (r Repo) InsertSignatureTx(ctx context.Context, tx *sql.Tx, actID string, s domain.Signature) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO act_signatures(act_id,user_id,signed_at,seq)
VALUES (?,?,?,COALESCE((SELECT MAX(seq)+1 FROM act_signatures WHERE act_id=?),0))`,
		actID, s.UserID, s.SignedAt, actID)
	return err
}

// ListActsAwaitingAutoSign returns non-terminal acts with an auto-sign
// deadline, for timer restore at startup.
func (r Repo) ListActsAwaitingAutoSign(ctx context.Context) ([]domain.Act, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM acts WHERE auto_sign_at IS NOT NULL AND status IN (?,?)`,
		domain.ActCreated, domain.ActSignedContractor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	var res []domain.Act
	for _, id := range ids {
		a, err := r.getAct(ctx, r.DB, id)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// CountActsByStatus powers the status summary.
func (r Repo) CountActsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM acts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

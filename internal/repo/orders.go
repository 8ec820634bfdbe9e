package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
)

// InsertOrderTx writes the order row plus its customer list and
// milestones. Milestones are fixed at creation; later calls only update
// their status columns.
func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(id,title,representative_id,contractor_id,status,total_amount,funded_amount,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Title, o.RepresentativeID, nullableStringPtr(o.ContractorID), o.Status,
		o.TotalAmount.String(), o.FundedAmount.String(), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	for i, customerID := range o.CustomerIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO order_customers(order_id,user_id,position) VALUES (?,?,?)`,
			o.ID, customerID, i); err != nil {
			return err
		}
	}
	for _, m := range o.Milestones {
		if _, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,order_id,position,description,amount,deadline,status,payout_status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			m.ID, o.ID, m.Position, m.Description, m.Amount.String(), m.Deadline,
			m.Status, m.PayoutStatus, m.CreatedAt, m.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var contractorID sql.NullString
	var total, funded string
	err := row.Scan(&o.ID, &o.Title, &o.RepresentativeID, &contractorID, &o.Status, &total, &funded, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if contractorID.Valid {
		o.ContractorID = &contractorID.String
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return o, err
	}
	o.FundedAmount, err = decimal.NewFromString(funded)
	return o, err
}

const orderColumns = `id,title,representative_id,contractor_id,status,total_amount,funded_amount,created_at,updated_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) getOrder(ctx context.Context, q querier, id string) (domain.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
	if err != nil {
		return o, err
	}
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM order_customers WHERE order_id=? ORDER BY position`, id)
	if err != nil {
		return o, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return o, err
		}
		o.CustomerIDs = append(o.CustomerIDs, userID)
	}
	o.Milestones, err = r.listMilestones(ctx, q, id)
	return o, err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return r.getOrder(ctx, r.DB, id)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	return r.getOrder(ctx, tx, id)
}

type OrderFilters struct {
	Status     string
	CustomerID string
	Limit      int
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CustomerID != "" {
		clauses = append(clauses, "id IN (SELECT order_id FROM order_customers WHERE user_id=?)")
		args = append(args, f.CustomerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	rows.Close()
	for i := range res {
		full, err := r.getOrder(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i] = full
	}
	return res, nil
}

// UpdateOrderTx persists the mutable order columns.
func (r Repo) UpdateOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET representative_id=?, contractor_id=?, status=?, funded_amount=?, updated_at=? WHERE id=?`,
		o.RepresentativeID, nullableStringPtr(o.ContractorID), o.Status, o.FundedAmount.String(), o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- milestones ---

const milestoneColumns = `id,order_id,position,description,amount,deadline,status,payout_status,created_at,updated_at`

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var m domain.Milestone
	var amount string
	err := row.Scan(&m.ID, &m.OrderID, &m.Position, &m.Description, &amount, &m.Deadline, &m.Status, &m.PayoutStatus, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Amount, err = decimal.NewFromString(amount)
	return m, err
}

func (r Repo) listMilestones(ctx context.Context, q querier, orderID string) ([]domain.Milestone, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE order_id=? ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) ListMilestones(ctx context.Context, orderID string) ([]domain.Milestone, error) {
	return r.listMilestones(ctx, r.DB, orderID)
}

func (r Repo) ListMilestonesTx(ctx context.Context, tx *sql.Tx, orderID string) ([]domain.Milestone, error) {
	return r.listMilestones(ctx, tx, orderID)
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) UpdateMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET status=?, payout_status=?, updated_at=? WHERE id=?`,
		m.Status, m.PayoutStatus, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingPayouts returns milestones stuck in payout "pending".
func (r Repo) ListPendingPayouts(ctx context.Context) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE payout_status=? ORDER BY updated_at`, domain.PayoutPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

// --- representative ballots ---

func (r Repo) UpsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(order_id,voter_id,candidate_id,cast_at) VALUES (?,?,?,?)
ON CONFLICT(order_id,voter_id) DO UPDATE SET candidate_id=excluded.candidate_id, cast_at=excluded.cast_at`,
		v.OrderID, v.VoterID, v.CandidateID, v.CastAt)
	return err
}

func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, orderID string) ([]domain.Vote, error) {
	rows, err := tx.QueryContext(ctx, `SELECT order_id,voter_id,candidate_id,cast_at FROM votes WHERE order_id=?`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.OrderID, &v.VoterID, &v.CandidateID, &v.CastAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func (r Repo) ClearVotesTx(ctx context.Context, tx *sql.Tx, orderID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE order_id=?`, orderID)
	return err
}

// CountOrdersByStatus powers the status summary.
func (r Repo) CountOrdersByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM orders GROUP BY status`)
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

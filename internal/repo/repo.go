package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowline/internal/config"
	"escrowline/internal/domain"
)

// Repo owns all SQL access. Reads return value copies; callers never
// see live store state, so mutations must round-trip through Update
// methods.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- users / ledger ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,role,balance,created_at) VALUES (?,?,?,?,?)`,
		u.ID, nullable(u.Name), u.Role, u.Balance.String(), u.CreatedAt)
	return err
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var name sql.NullString
	var balance string
	err := row.Scan(&u.ID, &name, &u.Role, &balance, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if name.Valid {
		u.Name = name.String
	}
	u.Balance, err = decimal.NewFromString(balance)
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,role,balance,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(tx.QueryRowContext(ctx, `SELECT id,name,role,balance,created_at FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,role,balance,created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var name sql.NullString
		var balance string
		if err := rows.Scan(&u.ID, &name, &u.Role, &balance, &u.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			u.Name = name.String
		}
		if u.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, nil
}

func (r Repo) UpdateUserBalanceTx(ctx context.Context, tx *sql.Tx, userID string, balance decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET balance=? WHERE id=?`, balance.String(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTransactionTx(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions(user_id,order_id,milestone_id,type,amount,created_at) VALUES (?,?,?,?,?,?)`,
		t.UserID, nullableStringPtr(t.OrderID), nullableStringPtr(t.MilestoneID), t.Type, t.Amount.String(), t.CreatedAt)
	return err
}

// HasReleaseTx reports whether an escrow release was already journaled
// for the milestone. Settlement retries check this before depositing.
func (r Repo) HasReleaseTx(ctx context.Context, tx *sql.Tx, milestoneID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE milestone_id=? AND type=? LIMIT 1`,
		milestoneID, domain.TxEscrowRelease)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// OrderHoldsTx returns each payer's net escrow contribution for the
// order: holds minus refunds already issued.
func (r Repo) OrderHoldsTx(ctx context.Context, tx *sql.Tx, orderID string) (map[string]decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx, `SELECT user_id,type,amount FROM transactions WHERE order_id=? AND type IN (?,?)`,
		orderID, domain.TxEscrowHold, domain.TxEscrowRefund)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	holds := map[string]decimal.Decimal{}
	for rows.Next() {
		var userID, txType, amount string
		if err := rows.Scan(&userID, &txType, &amount); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, err
		}
		if txType == domain.TxEscrowRefund {
			d = d.Neg()
		}
		holds[userID] = holds[userID].Add(d)
	}
	return holds, rows.Err()
}

func (r Repo) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	query := `SELECT id,user_id,order_id,milestone_id,type,amount,created_at FROM transactions WHERE user_id=? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var orderID, milestoneID sql.NullString
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &orderID, &milestoneID, &t.Type, &amount, &t.CreatedAt); err != nil {
			return nil, err
		}
		if orderID.Valid {
			t.OrderID = &orderID.String
		}
		if milestoneID.Valid {
			t.MilestoneID = &milestoneID.String
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// --- settlement config ---

const configKey = "default"

func (r Repo) UpsertSettlementConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO settlement_configs(id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, configKey, string(payload), now, now)
	return err
}

func (r Repo) GetSettlementConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM settlement_configs WHERE id=?`, configKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, orderID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if orderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, orderID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,order_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var orderID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &orderID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if orderID.Valid {
			e.OrderID = orderID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter pages the journal forward from a cursor, oldest first.
// The webhook dispatcher tails the journal with it.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,order_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var orderID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &orderID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if orderID.Valid {
			e.OrderID = orderID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the journal's high-water mark.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalStrings(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalStrings(in sql.NullString) []string {
	if !in.Valid || in.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in.String), &out)
	return out
}

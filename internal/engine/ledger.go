package engine

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/events"
)

// Deposit credits a user's balance and journals the transaction.
func (e Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (domain.User, error) {
	if amount.Sign() <= 0 {
		return domain.User{}, validationf("deposit amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	u, err := e.creditTx(ctx, tx, userID, amount, domain.TxDeposit, nil, nil)
	if err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "ledger.deposit", "", "user", userID, userID, events.EventPayload{
		"amount":  amount.String(),
		"balance": u.Balance.String(),
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Withdraw debits a user's balance; it fails with
// InsufficientFundsError when amount exceeds the balance.
func (e Engine) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (domain.User, error) {
	if amount.Sign() <= 0 {
		return domain.User{}, validationf("withdrawal amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	u, err := e.debitTx(ctx, tx, userID, amount, domain.TxWithdrawal, nil, nil)
	if err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "ledger.withdraw", "", "user", userID, userID, events.EventPayload{
		"amount":  amount.String(),
		"balance": u.Balance.String(),
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// Statement lists a user's ledger journal, newest first.
func (e Engine) Statement(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.Repo.ListTransactions(ctx, userID, limit)
}

func (e Engine) creditTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal, txType string, orderID, milestoneID *string) (domain.User, error) {
	u, err := e.Repo.GetUserTx(ctx, tx, userID)
	if err != nil {
		return domain.User{}, err
	}
	u.Balance = u.Balance.Add(amount)
	if err := e.Repo.UpdateUserBalanceTx(ctx, tx, userID, u.Balance); err != nil {
		return domain.User{}, err
	}
	err = e.Repo.InsertTransactionTx(ctx, tx, domain.Transaction{
		UserID:      userID,
		OrderID:     orderID,
		MilestoneID: milestoneID,
		Type:        txType,
		Amount:      amount,
		CreatedAt:   e.nowStr(),
	})
	return u, err
}

func (e Engine) debitTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal, txType string, orderID, milestoneID *string) (domain.User, error) {
	u, err := e.Repo.GetUserTx(ctx, tx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if amount.GreaterThan(u.Balance) {
		return domain.User{}, InsufficientFundsError{UserID: userID, Requested: amount, Available: u.Balance}
	}
	u.Balance = u.Balance.Sub(amount)
	if err := e.Repo.UpdateUserBalanceTx(ctx, tx, userID, u.Balance); err != nil {
		return domain.User{}, err
	}
	err = e.Repo.InsertTransactionTx(ctx, tx, domain.Transaction{
		UserID:      userID,
		OrderID:     orderID,
		MilestoneID: milestoneID,
		Type:        txType,
		Amount:      amount,
		CreatedAt:   e.nowStr(),
	})
	return u, err
}

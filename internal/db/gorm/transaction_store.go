package gorm

import (
	"context"

	"gorm.io/gorm"
)

// TransactionStore records payments.
type TransactionStore struct {
	db *gorm.DB
}

// NewTransactionStore creates a new transaction store.
func NewTransactionStore(store *Store) *TransactionStore {
	return &TransactionStore{db: store.DB}
}

// CreateTransaction debits the user's wallet and records a successful payment
// in one database transaction. A missing user or merchant yields ErrNotFound;
// a wallet holding less than amount yields ErrInsufficientBalance.
func (s *TransactionStore) CreateTransaction(ctx context.Context, userID, merchantID int64, amount float64) (*Transaction, error) {
	ctx, cancel := withTimeout(ctx, "create_transaction")
	defer cancel()

	txn := &Transaction{
		UserID:     userID,
		MerchantID: merchantID,
		Amount:     amount,
		Status:     TransactionStatusSuccess,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.First(&user, userID).Error; err != nil {
			return err
		}
		var merchant Merchant
		if err := tx.First(&merchant, merchantID).Error; err != nil {
			return err
		}

		// Conditional debit so concurrent payments cannot overdraw.
		res := tx.Model(&User{}).
			Where("id = ? AND wallet_balance >= ?", userID, amount).
			Update("wallet_balance", gorm.Expr("wallet_balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}
		return tx.Create(txn).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return txn, nil
}

// GetTransaction returns a transaction by id.
func (s *TransactionStore) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	ctx, cancel := withTimeout(ctx, "get_transaction")
	defer cancel()

	var txn Transaction
	if err := s.db.WithContext(ctx).First(&txn, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &txn, nil
}

// ListTransactions returns transactions newest first, optionally only those
// of one user.
func (s *TransactionStore) ListTransactions(ctx context.Context, userID *int64, page PaginationParams) ([]Transaction, error) {
	page = page.normalize()
	ctx, cancel := withTimeout(ctx, "list_transactions")
	defer cancel()

	q := s.db.WithContext(ctx).Model(&Transaction{})
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}

	txns := make([]Transaction, 0)
	err := q.Order("created_at DESC").
		Order("id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&txns).Error
	if err != nil {
		return nil, translateError(err)
	}
	return txns, nil
}

package gorm

import (
	"database/sql"
	"time"
)

// TransactionStatusSuccess marks a completed payment.
const TransactionStatusSuccess = "SUCCESS"

// User is a wallet holder.
type User struct {
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	PinHash       sql.NullString `json:"-"`
	Name          string         `gorm:"not null" json:"name"`
	Email         string         `gorm:"uniqueIndex;not null" json:"email"`
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletBalance float64        `gorm:"not null;default:0" json:"wallet_balance"`
}

func (User) TableName() string { return "users" }

// Merchant receives payments.
type Merchant struct {
	CreatedAt time.Time `json:"created_at"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
}

func (Merchant) TableName() string { return "merchants" }

// Transaction is a wallet debit paid to a merchant.
type Transaction struct {
	CreatedAt  time.Time `gorm:"index:idx_transactions_created,sort:desc" json:"created_at"`
	User       *User     `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
	Merchant   *Merchant `gorm:"constraint:OnDelete:RESTRICT" json:"-"`
	Status     string    `gorm:"type:text;not null;default:'SUCCESS'" json:"status"`
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64     `gorm:"index;not null" json:"user_id"`
	MerchantID int64     `gorm:"index;not null" json:"merchant_id"`
	Amount     float64   `gorm:"not null" json:"amount"`
}

func (Transaction) TableName() string { return "transactions" }

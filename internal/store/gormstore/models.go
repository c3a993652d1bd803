package gormstore

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table.
type Wallet struct {
	UserID              string    `gorm:"primaryKey"`
	BalanceCents        int64     `gorm:"not null"`
	TotalInvestedCents  int64     `gorm:"not null"`
	TotalWithdrawnCents int64     `gorm:"not null"`
	ProfitEarnedCents   int64     `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (Wallet) TableName() string { return "wallets" }

// Transaction mirrors the wallet_transactions table.
type Transaction struct {
	TransactionID      string         `gorm:"primaryKey"`
	UserID             string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Type               string         `gorm:"not null"`
	AmountCents        int64          `gorm:"not null"`
	BalanceBeforeCents int64          `gorm:"not null"`
	BalanceAfterCents  int64          `gorm:"not null"`
	Status             string         `gorm:"not null;index:idx_transactions_status_matures,priority:1"`
	Description        string         `gorm:"not null"`
	ReferenceID        *string        `gorm:"index"`
	Metadata           datatypes.JSON `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null;autoCreateTime:false;index:idx_transactions_user_created,priority:2"`
	MaturesAt          *time.Time     `gorm:"index:idx_transactions_status_matures,priority:2"`
}

func (Transaction) TableName() string { return "wallet_transactions" }

// TripLease mirrors the trip_leases table.
type TripLease struct {
	TripID       string    `gorm:"primaryKey"`
	HolderUserID string    `gorm:"not null"`
	SessionID    string    `gorm:"not null"`
	AcquiredAt   time.Time `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null;index"`
	Status       string    `gorm:"not null"`
	Token        string    `gorm:"not null;default:''"`
}

func (TripLease) TableName() string { return "trip_leases" }

// AutoMigrate creates or updates every table the store uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Wallet{}, &Transaction{}, &TripLease{})
}

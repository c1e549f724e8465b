package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserBalance mirrors the user_balances table. SpendableCredits is the
// unified consumption balance; LegacyCredits survives until migration.
type UserBalance struct {
	UserID           string    `gorm:"primaryKey"`
	SpendableCredits int64     `gorm:"not null;default:0"`
	LegacyCredits    int64     `gorm:"not null;default:0"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (UserBalance) TableName() string { return "user_balances" }

// LedgerEntry mirrors the ledger_entries table. Append-only; the partial
// unique index on (user_id, scene, source) for scene='bonus' backs bonus
// idempotency (see AutoMigrate).
type LedgerEntry struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Kind          string         `gorm:"not null"`
	AmountCredits int64          `gorm:"not null"`
	Scene         string         `gorm:"not null"`
	Source        string         `gorm:"not null"`
	Model         *string        `gorm:""`
	TokensIn      *int           `gorm:""`
	TokensOut     *int           `gorm:""`
	Reference     *string        `gorm:"index"`
	Metadata      datatypes.JSON `gorm:""`
	CreatedAt     time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return nil
}

// LegacyLedgerEntry mirrors the legacy audit ledger kept for old reporting
// jobs. Write-only dual-write target; never read back by this service.
type LegacyLedgerEntry struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index"`
	Kind          string         `gorm:"not null"`
	AmountCredits int64          `gorm:"not null"`
	Source        string         `gorm:"not null"`
	Reference     *string        `gorm:""`
	Metadata      datatypes.JSON `gorm:""`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (LegacyLedgerEntry) TableName() string { return "legacy_ledger_entries" }

func (entry *LegacyLedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return nil
}

// CryptoDeposit mirrors the crypto_deposits table. The unique index on
// TxRef anchors deposit idempotency.
type CryptoDeposit struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index"`
	TxRef          string    `gorm:"not null;uniqueIndex:uniq_deposit_tx_ref"`
	Chain          string    `gorm:"not null"`
	Token          string    `gorm:"not null"`
	RawAmount      int64     `gorm:"not null"`
	CreditsGranted int64     `gorm:"not null"`
	Status         string    `gorm:"not null;default:pending"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (CryptoDeposit) TableName() string { return "crypto_deposits" }

func (deposit *CryptoDeposit) BeforeCreate(tx *gorm.DB) error {
	if deposit.ID == "" {
		deposit.ID = uuid.NewString()
	}
	return nil
}

// UserIdentity mirrors the user_identities table. One row per bound
// provider credential (device, google, wallet).
type UserIdentity struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index"`
	Provider       string    `gorm:"size:32;not null;uniqueIndex:uniq_identity_provider_uid,priority:1"`
	ProviderUserID string    `gorm:"size:255;not null;uniqueIndex:uniq_identity_provider_uid,priority:2"`
	Email          *string   `gorm:"size:255;index"`
	EmailVerified  bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (UserIdentity) TableName() string { return "user_identities" }

func (identity *UserIdentity) BeforeCreate(tx *gorm.DB) error {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	return nil
}

// RecoveryLog records credit transfers performed during account recovery.
type RecoveryLog struct {
	ID                 string    `gorm:"type:uuid;primaryKey"`
	OldUserID          string    `gorm:"not null;index"`
	NewUserID          string    `gorm:"not null;index"`
	CreditsTransferred int64     `gorm:"not null"`
	Method             string    `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (RecoveryLog) TableName() string { return "recovery_log" }

func (record *RecoveryLog) BeforeCreate(tx *gorm.DB) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	return nil
}

// ModelPricing holds operator overrides for per-model token rates; enabled
// rows take precedence over built-in defaults.
type ModelPricing struct {
	ID                uint      `gorm:"primaryKey"`
	ModelName         string    `gorm:"not null;uniqueIndex"`
	Provider          string    `gorm:"not null"`
	CreditsPerMInput  int64     `gorm:"not null"`
	CreditsPerMOutput int64     `gorm:"not null"`
	Enabled           bool      `gorm:"not null;default:true"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (ModelPricing) TableName() string { return "model_pricing" }

// DiscountTierRow holds operator overrides for balance discount tiers.
type DiscountTierRow struct {
	ID           uint    `gorm:"primaryKey"`
	Name         string  `gorm:"not null;uniqueIndex"`
	MinBalance   int64   `gorm:"not null"`
	DiscountRate float64 `gorm:"not null;default:0"`
}

func (DiscountTierRow) TableName() string { return "discount_tiers" }

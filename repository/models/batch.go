package models

import "time"

// BatchRecord mirrors a batch as last seen on the ledger. It is a read
// replica: the ledger is authoritative and every field here may lag it.
type BatchRecord struct {
	LedgerID      uint64 `gorm:"column:ledger_id;primaryKey;autoIncrement:false"`
	Code          string `gorm:"column:batch_code;type:varchar(64);uniqueIndex;not null"`
	ProductName   string `gorm:"column:product_name;type:varchar(255)"`
	Creator       string `gorm:"column:creator;type:varchar(50);index"`
	Quantity      uint64 `gorm:"column:quantity"`
	ManufactureTS int64  `gorm:"column:manufacture_ts"`
	ExpiryTS      int64  `gorm:"column:expiry_ts"`
	ContentHash   string `gorm:"column:content_hash;type:varchar(64)"`

	Status       uint8  `gorm:"column:status"`
	Holder       string `gorm:"column:holder;type:varchar(50)"`
	Location     string `gorm:"column:location;type:varchar(255)"`
	Recalled     bool   `gorm:"column:recalled;default:false"`
	ApprovedAt   int64  `gorm:"column:approved_at"`
	ApprovalHash string `gorm:"column:approval_hash;type:varchar(64)"`

	LastHeight int64     `gorm:"column:last_height"`
	SyncedAt   time.Time `gorm:"column:synced_at;autoUpdateTime"`

	// Relationships
	Events []BatchEvent `gorm:"foreignKey:BatchLedgerID;references:LedgerID"`
}

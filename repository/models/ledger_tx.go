package models

import "time"

// LedgerTx records a committed ledger transaction observed by the cache
// sync, keyed by the consensus tx hash.
type LedgerTx struct {
	TxHash        string    `gorm:"column:tx_hash;primaryKey;type:varchar(66)"`
	Height        int64     `gorm:"column:block_height"`
	Kind          string    `gorm:"column:kind;type:varchar(30)"`
	BatchLedgerID uint64    `gorm:"column:batch_ledger_id;index"`
	Actor         string    `gorm:"column:actor;type:varchar(50)"`
	Role          string    `gorm:"column:role;type:varchar(20)"`
	RecordedAt    time.Time `gorm:"column:recorded_at;autoCreateTime"`
}

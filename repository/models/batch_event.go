package models

// BatchEvent is one entry of a batch's mirrored history. Seq is the event's
// position in the ledger history array, so a re-sync replaces the whole run
// deterministically.
type BatchEvent struct {
	ID            uint   `gorm:"column:event_id;primaryKey;autoIncrement"`
	BatchLedgerID uint64 `gorm:"column:batch_ledger_id;index;uniqueIndex:idx_batch_seq"`
	Seq           int    `gorm:"column:seq;uniqueIndex:idx_batch_seq"`
	Timestamp     int64  `gorm:"column:event_ts"`
	Location      string `gorm:"column:location;type:varchar(255)"`
	Status        uint8  `gorm:"column:status"`
	Actor         string `gorm:"column:actor;type:varchar(50)"`
	Role          string `gorm:"column:role;type:varchar(20)"`
	Note          string `gorm:"column:note;type:text"`
}

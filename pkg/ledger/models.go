package ledger

import "time"

// ledgerRecord tracks the next entry id of one (topic, partition) log.
type ledgerRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Topic       string `gorm:"uniqueIndex:idx_ledger,priority:1;size:255;not null"`
	Partition   int    `gorm:"column:partition_no;uniqueIndex:idx_ledger,priority:2;not null"`
	NextEntryID int64  `gorm:"not null"`
	CreatedAt   time.Time
}

func (ledgerRecord) TableName() string { return "ledgers" }

// entryRecord is one appended entry.
type entryRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Topic     string `gorm:"uniqueIndex:idx_ledger_entry,priority:1;size:255;not null"`
	Partition int    `gorm:"column:partition_no;uniqueIndex:idx_ledger_entry,priority:2;not null"`
	EntryID   int64  `gorm:"uniqueIndex:idx_ledger_entry,priority:3;not null"`
	Payload   []byte
	CreatedAt time.Time
}

func (entryRecord) TableName() string { return "entries" }

func allModels() []any {
	return []any{&ledgerRecord{}, &entryRecord{}}
}

package model

import "time"

// OfflineReport is a dispense report waiting for redelivery. Payload holds the
// report exactly as it will be posted.
type OfflineReport struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	ClientTxID string    `gorm:"uniqueIndex;size:64;not null"`
	MachineID  string    `gorm:"index;size:128;not null"`
	Payload    string    `gorm:"type:text;not null"`
	QueuedAt   time.Time `gorm:"not null"`
}

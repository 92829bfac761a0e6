package model

import "time"

// PushSubscription holds the information for a caregiver's browser push subscription.
type PushSubscription struct {
	Endpoint string `gorm:"primaryKey"`
	P256DH   string `gorm:"column:p256dh;not null"`
	Auth     string `gorm:"not null"`
	// Events is a comma separated list of event kinds to deliver. Empty means all.
	Events    string    `gorm:"size:256;not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
}

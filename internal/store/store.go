package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"medication-dispenser/internal/model"
	"medication-dispenser/internal/offline"
)

// Store defines the interface for all database operations.
type Store interface {
	offline.Store

	PutSubscription(ctx context.Context, sub model.PushSubscription) error
	// GetSubscription returns gorm.ErrRecordNotFound (wrapped) for an unknown endpoint.
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	Subscriptions(ctx context.Context) ([]model.PushSubscription, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// Append queues a report row. A record whose transaction id is already queued is
// left as it is.
func (s *gormStore) Append(ctx context.Context, rec offline.Record) error {
	payload, err := json.Marshal(rec.Report)
	if err != nil {
		return fmt.Errorf("failed to encode offline report: %w", err)
	}
	row := model.OfflineReport{
		ClientTxID: rec.ClientTxID,
		MachineID:  rec.MachineID,
		Payload:    string(payload),
		QueuedAt:   rec.QueuedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_tx_id"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to queue offline report %s: %w", rec.ClientTxID, err)
	}
	return nil
}

// Pending returns every queued report in insertion order.
func (s *gormStore) Pending(ctx context.Context) ([]offline.Record, error) {
	var rows []model.OfflineReport
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch offline reports: %w", err)
	}
	records := make([]offline.Record, 0, len(rows))
	for _, row := range rows {
		var rec offline.Record
		if err := json.Unmarshal([]byte(row.Payload), &rec.Report); err != nil {
			return nil, fmt.Errorf("offline report %d is corrupt: %w", row.ID, err)
		}
		rec.ClientTxID = row.ClientTxID
		rec.QueuedAt = row.QueuedAt
		records = append(records, rec)
	}
	return records, nil
}

// Remove deletes the queued report with the given transaction id.
func (s *gormStore) Remove(ctx context.Context, clientTxID string) error {
	if err := s.db.WithContext(ctx).
		Where("client_tx_id = ?", clientTxID).
		Delete(&model.OfflineReport{}).Error; err != nil {
		return fmt.Errorf("failed to remove offline report %s: %w", clientTxID, err)
	}
	return nil
}

// PutSubscription creates a subscription or replaces its keys and event filter.
func (s *gormStore) PutSubscription(ctx context.Context, sub model.PushSubscription) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "events"}),
	}).Create(&sub).Error
}

func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		return nil, fmt.Errorf("subscription %s: %w", endpoint, err)
	}
	return &sub, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
}

// Subscriptions lists every stored subscription.
func (s *gormStore) Subscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Order("created_at").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions: %w", err)
	}
	return subs, nil
}

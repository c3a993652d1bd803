package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/tripledger/pkg/lease"
	"github.com/MarkoPoloResearchLab/tripledger/pkg/ledger"
)

const errorSubjectLease = "lease"

// LeaseTable implements lease.Table on the trip_leases table.
type LeaseTable struct {
	db *gorm.DB
}

// NewLeaseTable returns a lease table backed by gorm.DB.
func NewLeaseTable(db *gorm.DB) *LeaseTable {
	return &LeaseTable{db: db}
}

func (table *LeaseTable) Get(ctx context.Context, tripID lease.TripID) (lease.Lease, bool, error) {
	var model TripLease
	err := table.db.WithContext(ctx).Where("trip_id = ?", tripID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return lease.Lease{}, false, nil
	}
	if err != nil {
		return lease.Lease{}, false, wrapStoreError(errorSubjectLease, errorCodeGet, err)
	}
	record, err := mapLease(model)
	if err != nil {
		return lease.Lease{}, false, wrapStoreError(errorSubjectLease, errorCodeInvalid, err)
	}
	return record, true, nil
}

// CompareAndPut inserts next when expectedToken is empty, otherwise updates the row only while it
// still carries expectedToken.
func (table *LeaseTable) CompareAndPut(ctx context.Context, expectedToken string, next lease.Lease) (bool, error) {
	model := leaseModel(next)
	var result *gorm.DB
	if expectedToken == "" {
		result = table.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	} else {
		result = table.db.WithContext(ctx).
			Model(&TripLease{}).
			Where("trip_id = ? AND token = ?", model.TripID, expectedToken).
			Updates(map[string]any{
				"holder_user_id": model.HolderUserID,
				"session_id":     model.SessionID,
				"acquired_at":    model.AcquiredAt,
				"expires_at":     model.ExpiresAt,
				"status":         model.Status,
				"token":          model.Token,
			})
	}
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLease, errorCodeSave, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CompareAndDelete removes the row only while it still carries token.
func (table *LeaseTable) CompareAndDelete(ctx context.Context, tripID lease.TripID, token string) (bool, error) {
	result := table.db.WithContext(ctx).Where("trip_id = ? AND token = ?", tripID.String(), token).Delete(&TripLease{})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectLease, errorCodeSave, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (table *LeaseTable) List(ctx context.Context) ([]lease.Lease, error) {
	var rows []TripLease
	if err := table.db.WithContext(ctx).Order("trip_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectLease, errorCodeList, err)
	}
	leases := make([]lease.Lease, 0, len(rows))
	for _, row := range rows {
		record, err := mapLease(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectLease, errorCodeInvalid, err)
		}
		leases = append(leases, record)
	}
	return leases, nil
}

func leaseModel(record lease.Lease) TripLease {
	return TripLease{
		TripID:       record.TripID.String(),
		HolderUserID: record.HolderUserID.String(),
		SessionID:    record.SessionID.String(),
		AcquiredAt:   record.AcquiredAt.UTC(),
		ExpiresAt:    record.ExpiresAt.UTC(),
		Status:       string(record.Status),
		Token:        record.Token,
	}
}

func mapLease(row TripLease) (lease.Lease, error) {
	tripID, err := lease.NewTripID(row.TripID)
	if err != nil {
		return lease.Lease{}, err
	}
	holder, err := ledger.NewUserID(row.HolderUserID)
	if err != nil {
		return lease.Lease{}, err
	}
	sessionID, err := lease.NewSessionID(row.SessionID)
	if err != nil {
		return lease.Lease{}, err
	}
	status, err := lease.ParseStatus(row.Status)
	if err != nil {
		return lease.Lease{}, err
	}
	return lease.Lease{
		TripID:       tripID,
		HolderUserID: holder,
		SessionID:    sessionID,
		AcquiredAt:   row.AcquiredAt.UTC(),
		ExpiresAt:    row.ExpiresAt.UTC(),
		Status:       status,
		Token:        row.Token,
	}, nil
}

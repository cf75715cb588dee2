package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrStateConflict is returned by CompareAndSwapBackfillState when another
// writer advanced the state since it was loaded.
var ErrStateConflict = errors.New("backfill state modified concurrently")

const backfillStateID = 1

// LoadBackfillState returns the single backfill state row, creating an idle
// one on first use.
func (s *Store) LoadBackfillState(ctx context.Context) (BackfillState, error) {
	var state BackfillState
	err := s.db.WithContext(ctx).First(&state, backfillStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = BackfillState{ID: backfillStateID, Status: "idle", Version: 1}
		if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
			return BackfillState{}, err
		}
		return state, nil
	}
	if err != nil {
		return BackfillState{}, err
	}
	return state, nil
}

// CompareAndSwapBackfillState writes next only if the stored row still
// carries next.Version; on success the stored version is incremented.
// Returns ErrStateConflict when the conditional update matched nothing.
func (s *Store) CompareAndSwapBackfillState(ctx context.Context, next BackfillState) error {
	res := s.db.WithContext(ctx).
		Model(&BackfillState{}).
		Where("id = ? AND version = ?", backfillStateID, next.Version).
		Updates(map[string]any{
			"status":        next.Status,
			"total":         next.Total,
			"offset":        next.Offset,
			"started_at":    next.StartedAt,
			"rate":          next.Rate,
			"error_message": next.ErrorMessage,
			"version":       next.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

// AppendBackfillPackages appends a listing batch to the stored package
// universe, preserving listing order.
func (s *Store) AppendBackfillPackages(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	rows := make([]BackfillPackage, len(names))
	for i, n := range names {
		rows[i] = BackfillPackage{Name: n}
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

// ClearBackfillPackages drops the stored package universe.
func (s *Store) ClearBackfillPackages(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&BackfillPackage{}).Error
}

// BackfillPackageRange returns up to limit names starting at offset, in
// listing order.
func (s *Store) BackfillPackageRange(ctx context.Context, offset, limit int) ([]string, error) {
	var rows []BackfillPackage
	if err := s.db.WithContext(ctx).
		Order("id").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.Name
	}
	return names, nil
}

// CountBackfillPackages returns the size of the stored package universe.
func (s *Store) CountBackfillPackages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&BackfillPackage{}).Count(&count).Error
	return count, err
}

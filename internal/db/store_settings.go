package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/triplog-app/triplog/internal/models"
)

// Work schedule, tracking setting and consent methods (last-write-wins)

// GetWorkScheduleByID returns a work schedule entry by ID.
func (s *Store) GetWorkScheduleByID(ctx context.Context, id uuid.UUID) (*models.WorkSchedule, error) {
	var w models.WorkSchedule
	err := s.q.QueryRow(ctx, `
		SELECT id, user_id, weekday, start_minute, end_minute, created_at, updated_at, deleted_at
		FROM work_schedules WHERE id = $1
	`, id).Scan(&w.ID, &w.UserID, &w.Weekday, &w.StartMinute, &w.EndMinute, &w.CreatedAt, &w.UpdatedAt, &w.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get work schedule: %w", err)
	}
	return &w, nil
}

// UpsertWorkSchedule writes the full work schedule state.
func (s *Store) UpsertWorkSchedule(ctx context.Context, w *models.WorkSchedule) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO work_schedules (id, user_id, weekday, start_minute, end_minute, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			weekday = EXCLUDED.weekday,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			updated_at = NOW()
	`, w.ID, w.UserID, w.Weekday, w.StartMinute, w.EndMinute, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert work schedule: %w", err)
	}
	return nil
}

// SoftDeleteWorkSchedule tombstones a work schedule entry.
func (s *Store) SoftDeleteWorkSchedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE work_schedules SET deleted_at = $2, updated_at = NOW() WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete work schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTrackingSettingByID returns a tracking setting by ID.
func (s *Store) GetTrackingSettingByID(ctx context.Context, id uuid.UUID) (*models.TrackingSetting, error) {
	var t models.TrackingSetting
	var modeStr string
	err := s.q.QueryRow(ctx, `
		SELECT id, user_id, mode, auto_validate, created_at, updated_at, deleted_at
		FROM tracking_settings WHERE id = $1
	`, id).Scan(&t.ID, &t.UserID, &modeStr, &t.AutoValidate, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tracking setting: %w", err)
	}
	t.Mode = models.TrackingMode(modeStr)
	return &t, nil
}

// UpsertTrackingSetting writes the full tracking setting state.
func (s *Store) UpsertTrackingSetting(ctx context.Context, t *models.TrackingSetting) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO tracking_settings (id, user_id, mode, auto_validate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			mode = EXCLUDED.mode,
			auto_validate = EXCLUDED.auto_validate,
			updated_at = NOW()
	`, t.ID, t.UserID, t.Mode, t.AutoValidate, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert tracking setting: %w", err)
	}
	return nil
}

// SoftDeleteTrackingSetting tombstones a tracking setting.
func (s *Store) SoftDeleteTrackingSetting(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE tracking_settings SET deleted_at = $2, updated_at = NOW() WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete tracking setting: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetConsentByID returns a consent record by ID.
func (s *Store) GetConsentByID(ctx context.Context, id uuid.UUID) (*models.Consent, error) {
	var c models.Consent
	var kindStr string
	err := s.q.QueryRow(ctx, `
		SELECT id, user_id, kind, granted, granted_at, created_at, updated_at, deleted_at
		FROM consents WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &kindStr, &c.Granted, &c.GrantedAt, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get consent: %w", err)
	}
	c.Kind = models.ConsentKind(kindStr)
	return &c, nil
}

// UpsertConsent writes the full consent state. Consents are append-mostly;
// the upsert exists only for replay safety.
func (s *Store) UpsertConsent(ctx context.Context, c *models.Consent) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO consents (id, user_id, kind, granted, granted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			granted = EXCLUDED.granted,
			granted_at = EXCLUDED.granted_at,
			updated_at = NOW()
	`, c.ID, c.UserID, c.Kind, c.Granted, c.GrantedAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert consent: %w", err)
	}
	return nil
}

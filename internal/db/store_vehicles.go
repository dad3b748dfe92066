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

// Vehicle methods

const vehicleColumns = `id, user_id, name, plate, make, model, odometer_km, is_default, version, created_at, updated_at, deleted_at`

func scanVehicle(row pgx.Row) (*models.Vehicle, error) {
	var v models.Vehicle
	err := row.Scan(
		&v.ID, &v.UserID, &v.Name, &v.Plate, &v.Make, &v.Model,
		&v.OdometerKM, &v.IsDefault, &v.Version, &v.CreatedAt, &v.UpdatedAt, &v.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// GetVehicleByID returns a vehicle by ID, including tombstoned rows.
func (s *Store) GetVehicleByID(ctx context.Context, id uuid.UUID) (*models.Vehicle, error) {
	vehicle, err := scanVehicle(s.q.QueryRow(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get vehicle by id: %w", err)
	}
	return vehicle, nil
}

// UpsertVehicle writes the full vehicle state, storing the client-asserted
// version verbatim.
func (s *Store) UpsertVehicle(ctx context.Context, v *models.Vehicle) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO vehicles (id, user_id, name, plate, make, model, odometer_km, is_default, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			plate = EXCLUDED.plate,
			make = EXCLUDED.make,
			model = EXCLUDED.model,
			odometer_km = EXCLUDED.odometer_km,
			is_default = EXCLUDED.is_default,
			version = EXCLUDED.version,
			updated_at = NOW()
	`, v.ID, v.UserID, v.Name, v.Plate, v.Make, v.Model, v.OdometerKM, v.IsDefault, v.Version, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert vehicle: %w", err)
	}
	return nil
}

// SoftDeleteVehicle tombstones a vehicle.
func (s *Store) SoftDeleteVehicle(ctx context.Context, id uuid.UUID, version int64, at time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE vehicles SET deleted_at = $2, version = $3, updated_at = NOW() WHERE id = $1
	`, id, at, version)
	if err != nil {
		return fmt.Errorf("soft delete vehicle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

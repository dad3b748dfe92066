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

// Trip methods

const tripColumns = `id, user_id, vehicle_id, category, started_at, ended_at, start_location, end_location,
	distance_km, validated, notes, version, created_at, updated_at, deleted_at`

func scanTrip(row pgx.Row) (*models.Trip, error) {
	var t models.Trip
	var catStr string
	err := row.Scan(
		&t.ID, &t.UserID, &t.VehicleID, &catStr, &t.StartedAt, &t.EndedAt,
		&t.StartLocation, &t.EndLocation, &t.DistanceKM, &t.Validated, &t.Notes,
		&t.Version, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Category = models.TripCategory(catStr)
	return &t, nil
}

// GetTripByID returns a trip by ID, including tombstoned rows.
func (s *Store) GetTripByID(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	trip, err := scanTrip(s.q.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get trip by id: %w", err)
	}
	return trip, nil
}

// UpsertTrip writes the full trip state, storing the client-asserted version
// verbatim. CREATE on an already-existing id goes through the same path,
// which makes replayed creates idempotent.
func (s *Store) UpsertTrip(ctx context.Context, t *models.Trip) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO trips (id, user_id, vehicle_id, category, started_at, ended_at, start_location, end_location,
			distance_km, validated, notes, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			vehicle_id = EXCLUDED.vehicle_id,
			category = EXCLUDED.category,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			start_location = EXCLUDED.start_location,
			end_location = EXCLUDED.end_location,
			distance_km = EXCLUDED.distance_km,
			validated = EXCLUDED.validated,
			notes = EXCLUDED.notes,
			version = EXCLUDED.version,
			updated_at = NOW()
	`, t.ID, t.UserID, t.VehicleID, t.Category, t.StartedAt, t.EndedAt, t.StartLocation,
		t.EndLocation, t.DistanceKM, t.Validated, t.Notes, t.Version, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert trip: %w", err)
	}
	return nil
}

// SoftDeleteTrip tombstones a trip so the deletion propagates through the
// delta feed. The client-asserted version is stored alongside the tombstone.
func (s *Store) SoftDeleteTrip(ctx context.Context, id uuid.UUID, version int64, at time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE trips SET deleted_at = $2, version = $3, updated_at = NOW() WHERE id = $1
	`, id, at, version)
	if err != nil {
		return fmt.Errorf("soft delete trip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

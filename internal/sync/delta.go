package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/triplog-app/triplog/internal/models"
)

// DefaultPullLimit bounds how many records of each entity type a single pull
// returns. Clients page by calling again with the advanced cursor.
const DefaultPullLimit = 200

// typeKey dedups feed records: the same row can surface through several
// visibility paths (own and shared, user-scoped and org-scoped).
type typeKey struct {
	entityType models.EntityType
	entityID   uuid.UUID
}

// pageWindow caps the watermark when a per-type query fills its page. A full
// page means rows may remain beyond its last timestamp, so the cursor must
// not pass it on behalf of the other types.
type pageWindow struct {
	limit     int
	truncated bool
	cap       time.Time
}

// observe records one per-type query result. The queries return rows in
// ascending updated_at order and extend through ties, so when n reaches the
// page size every row up to and including last has been delivered.
func (w *pageWindow) observe(n int, last time.Time) {
	if n < w.limit {
		return
	}
	if !w.truncated || last.Before(w.cap) {
		w.cap = last
	}
	w.truncated = true
}

// Feed assembles the delta feed for one caller: every record visible to them
// that changed after since, oldest first, plus the advanced watermark. The
// watermark is the newest updated_at in the returned batch, or since
// unchanged when nothing moved. When any per-type query fills its page, the
// batch and the watermark are clamped to that type's last delivered
// timestamp; the next pull resumes there with no gap.
func Feed(ctx context.Context, s Store, p Principal, since time.Time, limit int) ([]models.ChangeRecord, time.Time, error) {
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	window := pageWindow{limit: limit}

	own := []uuid.UUID{p.UserID}

	// Orgs the caller is linked into as an employee, for pro account and
	// pool visibility.
	linkedOrgs, err := s.ListLinkedOrgIDsByUser(ctx, p.UserID)
	if err != nil {
		return nil, since, fmt.Errorf("list linked orgs: %w", err)
	}
	visibleOrgs := append(append([]uuid.UUID{}, p.OwnedOrgIDs...), linkedOrgs...)

	var records []models.ChangeRecord
	add := func(entityType models.EntityType, id uuid.UUID, updatedAt time.Time, deletedAt *time.Time, v any) error {
		rec := models.ChangeRecord{
			EntityType: entityType,
			EntityID:   id,
			Action:     models.ChangeActionUpsert,
			UpdatedAt:  updatedAt,
		}
		if deletedAt != nil {
			rec.Action = models.ChangeActionDelete
		} else {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("marshal %s %s: %w", entityType, id, err)
			}
			rec.Data = data
		}
		records = append(records, rec)
		return nil
	}

	// Trips: own, plus validated business trips shared into owned orgs.
	trips, err := s.ListChangedTrips(ctx, own, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("list trips: %w", err)
	}
	if len(trips) > 0 {
		window.observe(len(trips), trips[len(trips)-1].UpdatedAt)
	}
	if len(p.OwnedOrgIDs) > 0 {
		shared, err := s.ListSharedChangedTrips(ctx, p.OwnedOrgIDs, since, limit)
		if err != nil {
			return nil, since, fmt.Errorf("list shared trips: %w", err)
		}
		if len(shared) > 0 {
			window.observe(len(shared), shared[len(shared)-1].UpdatedAt)
		}
		trips = append(trips, shared...)
	}
	for _, t := range trips {
		if err := add(models.EntityTypeTrip, t.ID, t.UpdatedAt, t.DeletedAt, t); err != nil {
			return nil, since, err
		}
	}

	vehicles, err := s.ListChangedVehicles(ctx, own, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("list vehicles: %w", err)
	}
	if len(vehicles) > 0 {
		window.observe(len(vehicles), vehicles[len(vehicles)-1].UpdatedAt)
	}
	for _, v := range vehicles {
		if err := add(models.EntityTypeVehicle, v.ID, v.UpdatedAt, v.DeletedAt, v); err != nil {
			return nil, since, err
		}
	}

	// Expenses: own, plus expenses shared into owned orgs.
	expenses, err := s.ListChangedExpenses(ctx, own, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("list expenses: %w", err)
	}
	if len(expenses) > 0 {
		window.observe(len(expenses), expenses[len(expenses)-1].UpdatedAt)
	}
	if len(p.OwnedOrgIDs) > 0 {
		shared, err := s.ListSharedChangedExpenses(ctx, p.OwnedOrgIDs, since, limit)
		if err != nil {
			return nil, since, fmt.Errorf("list shared expenses: %w", err)
		}
		if len(shared) > 0 {
			window.observe(len(shared), shared[len(shared)-1].UpdatedAt)
		}
		expenses = append(expenses, shared...)
	}
	for _, e := range expenses {
		if err := add(models.EntityTypeExpense, e.ID, e.UpdatedAt, e.DeletedAt, e); err != nil {
			return nil, since, err
		}
	}

	// Work schedules: own, plus those of employees who opted into schedule
	// sharing with an owned org.
	scheduleUsers := own
	if len(p.OwnedOrgIDs) > 0 {
		sharing, err := s.ListScheduleSharingUserIDs(ctx, p.OwnedOrgIDs)
		if err != nil {
			return nil, since, fmt.Errorf("list schedule sharers: %w", err)
		}
		scheduleUsers = append(append([]uuid.UUID{}, own...), sharing...)
	}
	schedules, err := s.ListChangedWorkSchedules(ctx, scheduleUsers, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("list work schedules: %w", err)
	}
	if len(schedules) > 0 {
		window.observe(len(schedules), schedules[len(schedules)-1].UpdatedAt)
	}
	for _, w := range schedules {
		if err := add(models.EntityTypeWorkSchedule, w.ID, w.UpdatedAt, w.DeletedAt, w); err != nil {
			return nil, since, err
		}
	}

	settings, err := s.ListChangedTrackingSettings(ctx, own, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("list tracking settings: %w", err)
	}
	if len(settings) > 0 {
		window.observe(len(settings), settings[len(settings)-1].UpdatedAt)
	}
	for _, t := range settings {
		if err := add(models.EntityTypeTrackingSetting, t.ID, t.UpdatedAt, t.DeletedAt, t); err != nil {
			return nil, since, err
		}
	}

	consents, err := s.ListChangedConsents(ctx, own, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("list consents: %w", err)
	}
	if len(consents) > 0 {
		window.observe(len(consents), consents[len(consents)-1].UpdatedAt)
	}
	for _, c := range consents {
		if err := add(models.EntityTypeConsent, c.ID, c.UpdatedAt, c.DeletedAt, c); err != nil {
			return nil, since, err
		}
	}

	// Users: the caller's own record, plus linked employees of owned orgs so
	// org devices can render names.
	userIDs := own
	if len(p.OwnedOrgIDs) > 0 {
		employees, err := s.ListLinkedUserIDsByOrgs(ctx, p.OwnedOrgIDs)
		if err != nil {
			return nil, since, fmt.Errorf("list linked users: %w", err)
		}
		userIDs = append(append([]uuid.UUID{}, own...), employees...)
	}
	users, err := s.ListChangedUsers(ctx, userIDs, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("list users: %w", err)
	}
	if len(users) > 0 {
		window.observe(len(users), users[len(users)-1].UpdatedAt)
	}
	for _, u := range users {
		if err := add(models.EntityTypeUser, u.ID, u.UpdatedAt, u.DeletedAt, u); err != nil {
			return nil, since, err
		}
	}

	// Licenses: seats assigned to the caller plus pools of owned orgs.
	licenses, err := s.ListChangedLicenses(ctx, own, p.OwnedOrgIDs, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("list licenses: %w", err)
	}
	if len(licenses) > 0 {
		window.observe(len(licenses), licenses[len(licenses)-1].UpdatedAt)
	}
	for _, l := range licenses {
		if err := add(models.EntityTypeLicense, l.ID, l.UpdatedAt, l.DeletedAt, l); err != nil {
			return nil, since, err
		}
	}

	links, err := s.ListChangedCompanyLinks(ctx, own, p.OwnedOrgIDs, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("list company links: %w", err)
	}
	if len(links) > 0 {
		window.observe(len(links), links[len(links)-1].UpdatedAt)
	}
	for _, l := range links {
		if err := add(models.EntityTypeCompanyLink, l.ID, l.UpdatedAt, l.DeletedAt, l); err != nil {
			return nil, since, err
		}
	}

	if len(visibleOrgs) > 0 {
		accounts, err := s.ListChangedProAccounts(ctx, visibleOrgs, since, limit)
		if err != nil {
			return nil, since, fmt.Errorf("list pro accounts: %w", err)
		}
		if len(accounts) > 0 {
			window.observe(len(accounts), accounts[len(accounts)-1].UpdatedAt)
		}
		for _, a := range accounts {
			if err := add(models.EntityTypeProAccount, a.ID, a.UpdatedAt, a.DeletedAt, a); err != nil {
				return nil, since, err
			}
		}
	}

	records = dedupRecords(records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.Before(records[j].UpdatedAt)
	})

	// Clamp the batch to the page window: records past the cap belong to a
	// timestamp range a truncated type has not fully delivered yet, so they
	// are withheld and re-read on the next pull.
	if window.truncated {
		for len(records) > 0 && records[len(records)-1].UpdatedAt.After(window.cap) {
			records = records[:len(records)-1]
		}
	}

	cursor := since
	for _, rec := range records {
		if rec.UpdatedAt.After(cursor) {
			cursor = rec.UpdatedAt
		}
	}
	return records, cursor, nil
}

// dedupRecords keeps the newest record per (entity type, id).
func dedupRecords(records []models.ChangeRecord) []models.ChangeRecord {
	seen := make(map[typeKey]int, len(records))
	out := records[:0]
	for _, rec := range records {
		key := typeKey{rec.EntityType, rec.EntityID}
		if idx, ok := seen[key]; ok {
			if rec.UpdatedAt.After(out[idx].UpdatedAt) {
				out[idx] = rec
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, rec)
	}
	return out
}

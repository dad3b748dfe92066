package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/api/middleware"
	"github.com/triplog-app/triplog/internal/license"
	"github.com/triplog-app/triplog/internal/models"
)

// mockLicenseStore implements LicenseStore for testing.
type mockLicenseStore struct {
	licenses    []*models.License
	createdOrgs []*models.ProAccount
	createErr   error
	listErr     error
}

func (m *mockLicenseStore) CreateLicense(_ context.Context, l *models.License) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.licenses = append(m.licenses, l)
	return nil
}

func (m *mockLicenseStore) ListLicensesByOrg(_ context.Context, orgID uuid.UUID) ([]*models.License, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.License
	for _, l := range m.licenses {
		if l.OrgID == orgID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockLicenseStore) CreateProAccount(_ context.Context, acct *models.ProAccount) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.createdOrgs = append(m.createdOrgs, acct)
	return nil
}

func licensesRouter(store LicenseStore, device *models.Device, orgs []uuid.UUID) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(string(middleware.DeviceContextKey), device)
		c.Set(string(middleware.OwnedOrgsContextKey), orgs)
		c.Next()
	})
	h := NewLicensesHandler(store, nil, zerolog.Nop())
	h.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func TestTransitionStatus(t *testing.T) {
	tests := []struct {
		name string
		res  license.Result
		want int
	}{
		{"ok", license.Result{OK: true, Code: license.CodeOK}, http.StatusOK},
		{"deferred", license.Result{OK: true, Code: license.CodeDeferred}, http.StatusAccepted},
		{"not found", license.Result{Code: license.CodeNotFound}, http.StatusNotFound},
		{"race lost", license.Result{Code: license.CodeRaceLost}, http.StatusConflict},
		{"not available", license.Result{Code: license.CodeLicenseNotAvailable}, http.StatusConflict},
		{"already licensed", license.Result{Code: license.CodeAlreadyLicensed}, http.StatusConflict},
		{"wrong state", license.Result{Code: license.CodeWrongState}, http.StatusConflict},
		{"unknown", license.Result{Code: "EXPLODED"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := transitionStatus(tt.res); got != tt.want {
			t.Errorf("%s: transitionStatus = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestCreateOrg(t *testing.T) {
	device := &models.Device{ID: uuid.New(), UserID: uuid.New()}
	store := &mockLicenseStore{}
	r := licensesRouter(store, device, nil)

	w := postJSON(t, r, "/api/v1/orgs", CreateOrgRequest{
		CompanyName: "Wheels & Co",
		VATNumber:   "FR123456789",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.createdOrgs) != 1 {
		t.Fatalf("expected 1 created org, got %d", len(store.createdOrgs))
	}
	org := store.createdOrgs[0]
	if org.OwnerUserID != device.UserID {
		t.Fatalf("expected owner %s, got %s", device.UserID, org.OwnerUserID)
	}
	if org.VATNumber != "FR123456789" {
		t.Fatalf("expected VAT number to be stored, got %q", org.VATNumber)
	}
}

func TestListSeats(t *testing.T) {
	device := &models.Device{ID: uuid.New(), UserID: uuid.New()}
	orgID := uuid.New()
	store := &mockLicenseStore{
		licenses: []*models.License{
			models.NewLicense(orgID, true, ""),
			models.NewLicense(uuid.New(), true, ""), // other org
		},
	}
	r := licensesRouter(store, device, []uuid.UUID{orgID})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/orgs/"+orgID.String()+"/licenses", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Licenses []*models.License `json:"licenses"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Licenses) != 1 {
		t.Fatalf("expected 1 seat, got %d", len(resp.Licenses))
	}
}

func TestListSeats_NotOwner(t *testing.T) {
	device := &models.Device{ID: uuid.New(), UserID: uuid.New()}
	store := &mockLicenseStore{}
	r := licensesRouter(store, device, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/orgs/"+uuid.NewString()+"/licenses", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", w.Code)
	}
}

func TestListSeats_InvalidOrgID(t *testing.T) {
	device := &models.Device{ID: uuid.New(), UserID: uuid.New()}
	store := &mockLicenseStore{}
	r := licensesRouter(store, device, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/orgs/not-a-uuid/licenses", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestPurchaseSeats(t *testing.T) {
	device := &models.Device{ID: uuid.New(), UserID: uuid.New()}
	orgID := uuid.New()
	store := &mockLicenseStore{}
	r := licensesRouter(store, device, []uuid.UUID{orgID})

	w := postJSON(t, r, "/api/v1/orgs/"+orgID.String()+"/licenses", PurchaseSeatsRequest{
		Count:           3,
		SubscriptionRef: "sub_123",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.licenses) != 3 {
		t.Fatalf("expected 3 seats, got %d", len(store.licenses))
	}
	for _, l := range store.licenses {
		if l.OrgID != orgID {
			t.Fatalf("seat created for wrong org %s", l.OrgID)
		}
		if l.Status != models.LicenseStatusAvailable {
			t.Fatalf("expected available seat, got %s", l.Status)
		}
		if l.SubscriptionRef != "sub_123" {
			t.Fatalf("expected subscription ref on seat, got %q", l.SubscriptionRef)
		}
	}
}

func TestPurchaseSeats_RecurringNeedsSubscriptionRef(t *testing.T) {
	device := &models.Device{ID: uuid.New(), UserID: uuid.New()}
	orgID := uuid.New()
	store := &mockLicenseStore{}
	r := licensesRouter(store, device, []uuid.UUID{orgID})

	w := postJSON(t, r, "/api/v1/orgs/"+orgID.String()+"/licenses", PurchaseSeatsRequest{
		Count: 1,
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if len(store.licenses) != 0 {
		t.Fatalf("expected no seats created, got %d", len(store.licenses))
	}
}

func TestPurchaseSeats_PerpetualNeedsNoRef(t *testing.T) {
	device := &models.Device{ID: uuid.New(), UserID: uuid.New()}
	orgID := uuid.New()
	store := &mockLicenseStore{}
	r := licensesRouter(store, device, []uuid.UUID{orgID})

	w := postJSON(t, r, "/api/v1/orgs/"+orgID.String()+"/licenses", PurchaseSeatsRequest{
		Count:     1,
		Perpetual: true,
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.licenses) != 1 || !store.licenses[0].IsPerpetual {
		t.Fatal("expected one perpetual seat")
	}
}

func TestUnlinkEndpoints_RejectBeforeMachine(t *testing.T) {
	// Ownership and parsing failures short-circuit before the machine runs,
	// so a nil machine proves the check order.
	device := &models.Device{ID: uuid.New(), UserID: uuid.New()}
	store := &mockLicenseStore{}
	r := licensesRouter(store, device, nil)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"bad license id", "POST", "/api/v1/licenses/nope/unlink?org_id=" + uuid.NewString(), http.StatusBadRequest},
		{"missing org id", "POST", "/api/v1/licenses/" + uuid.NewString() + "/unlink", http.StatusBadRequest},
		{"unowned org", "POST", "/api/v1/licenses/" + uuid.NewString() + "/unlink?org_id=" + uuid.NewString(), http.StatusForbidden},
		{"delete unowned org", "DELETE", "/api/v1/licenses/" + uuid.NewString() + "?org_id=" + uuid.NewString(), http.StatusForbidden},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(tt.method, tt.path, nil)
		r.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: expected status %d, got %d", tt.name, tt.want, w.Code)
		}
	}
}

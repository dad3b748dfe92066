package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/triplog-app/triplog/internal/api/middleware"
	"github.com/triplog-app/triplog/internal/db"
	"github.com/triplog-app/triplog/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockDeviceAccountStore implements DeviceAccountStore for testing.
type mockDeviceAccountStore struct {
	usersByEmail map[string]*models.User
	devices      []*models.Device
	createdUsers []*models.User
	deletedIDs   []uuid.UUID
	createErr    error
	deleteErr    error
}

func newMockDeviceAccountStore() *mockDeviceAccountStore {
	return &mockDeviceAccountStore{usersByEmail: make(map[string]*models.User)}
}

func (m *mockDeviceAccountStore) CreateUser(_ context.Context, user *models.User) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.createdUsers = append(m.createdUsers, user)
	m.usersByEmail[user.Email] = user
	return nil
}

func (m *mockDeviceAccountStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	u, ok := m.usersByEmail[email]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (m *mockDeviceAccountStore) CreateDevice(_ context.Context, device *models.Device) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.devices = append(m.devices, device)
	return nil
}

func (m *mockDeviceAccountStore) ListDevicesByUser(_ context.Context, userID uuid.UUID) ([]*models.Device, error) {
	var out []*models.Device
	for _, d := range m.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockDeviceAccountStore) DeleteDevice(_ context.Context, id uuid.UUID) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletedIDs = append(m.deletedIDs, id)
	return nil
}

func publicRouter(store DeviceAccountStore) *gin.Engine {
	r := gin.New()
	h := NewDevicesHandler(store, zerolog.Nop())
	h.RegisterPublicRoutes(r.Group("/api/v1"))
	return r
}

// authedRouter wires the handler behind a stub of the device auth middleware.
func authedRouter(store DeviceAccountStore, device *models.Device, orgs []uuid.UUID) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(string(middleware.DeviceContextKey), device)
		c.Set(string(middleware.OwnedOrgsContextKey), orgs)
		c.Next()
	})
	h := NewDevicesHandler(store, zerolog.Nop())
	h.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request body: %v", err)
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestSignup(t *testing.T) {
	store := newMockDeviceAccountStore()
	r := publicRouter(store)

	w := postJSON(t, r, "/api/v1/signup", SignupRequest{
		Email:    "alex@example.com",
		Password: "correct-horse",
		Name:     "Alex",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.createdUsers) != 1 {
		t.Fatalf("expected 1 created user, got %d", len(store.createdUsers))
	}
	user := store.createdUsers[0]
	if user.SubscriptionType != models.SubscriptionTrial {
		t.Fatalf("expected trial subscription, got %s", user.SubscriptionType)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("correct-horse")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
	if strings.Contains(w.Body.String(), user.PasswordHash) {
		t.Fatal("response must not leak the password hash")
	}
}

func TestSignup_DuplicateEmail(t *testing.T) {
	store := newMockDeviceAccountStore()
	store.usersByEmail["alex@example.com"] = models.NewUser("alex@example.com", "Alex", "x")
	r := publicRouter(store)

	w := postJSON(t, r, "/api/v1/signup", SignupRequest{
		Email:    "alex@example.com",
		Password: "correct-horse",
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
}

func TestSignup_InvalidBody(t *testing.T) {
	store := newMockDeviceAccountStore()
	r := publicRouter(store)

	for name, req := range map[string]SignupRequest{
		"missing email":  {Password: "correct-horse"},
		"not an email":   {Email: "not-an-email", Password: "correct-horse"},
		"short password": {Email: "alex@example.com", Password: "short"},
	} {
		w := postJSON(t, r, "/api/v1/signup", req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", name, w.Code)
		}
	}
}

func TestRegisterDevice(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	user := models.NewUser("alex@example.com", "Alex", string(hash))

	store := newMockDeviceAccountStore()
	store.usersByEmail[user.Email] = user
	r := publicRouter(store)

	w := postJSON(t, r, "/api/v1/devices/register", RegisterDeviceRequest{
		Email:      user.Email,
		Password:   "correct-horse",
		DeviceName: "work-laptop",
		Platform:   "linux",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp RegisterDeviceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !middleware.IsValidDeviceTokenFormat(resp.Token) {
		t.Fatalf("issued token has invalid format: %q", resp.Token)
	}
	if len(store.devices) != 1 {
		t.Fatalf("expected 1 created device, got %d", len(store.devices))
	}
	device := store.devices[0]
	if device.ID != resp.DeviceID {
		t.Fatalf("response device_id %s does not match stored device %s", resp.DeviceID, device.ID)
	}
	if device.TokenHash != models.HashDeviceToken(resp.Token) {
		t.Fatal("stored hash does not match the issued token")
	}
	if strings.Contains(w.Body.String(), device.TokenHash) {
		t.Fatal("response must not leak the token hash")
	}
}

func TestRegisterDevice_BadCredentials(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	user := models.NewUser("alex@example.com", "Alex", string(hash))

	store := newMockDeviceAccountStore()
	store.usersByEmail[user.Email] = user
	r := publicRouter(store)

	for name, req := range map[string]RegisterDeviceRequest{
		"unknown email":  {Email: "nobody@example.com", Password: "correct-horse", DeviceName: "laptop"},
		"wrong password": {Email: user.Email, Password: "wrong", DeviceName: "laptop"},
	} {
		w := postJSON(t, r, "/api/v1/devices/register", req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected status 401, got %d", name, w.Code)
		}
	}
	if len(store.devices) != 0 {
		t.Fatalf("expected no devices created, got %d", len(store.devices))
	}
}

func TestListDevices(t *testing.T) {
	userID := uuid.New()
	caller := &models.Device{ID: uuid.New(), UserID: userID, Name: "laptop", CreatedAt: time.Now().UTC()}
	other := &models.Device{ID: uuid.New(), UserID: uuid.New(), Name: "not-mine", CreatedAt: time.Now().UTC()}

	store := newMockDeviceAccountStore()
	store.devices = []*models.Device{caller, other}
	r := authedRouter(store, caller, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/devices", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Devices []*models.Device `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(resp.Devices))
	}
	if resp.Devices[0].ID != caller.ID {
		t.Fatalf("expected device %s, got %s", caller.ID, resp.Devices[0].ID)
	}
}

func TestRevokeDevice(t *testing.T) {
	userID := uuid.New()
	caller := &models.Device{ID: uuid.New(), UserID: userID, Name: "laptop", CreatedAt: time.Now().UTC()}
	phone := &models.Device{ID: uuid.New(), UserID: userID, Name: "phone", CreatedAt: time.Now().UTC()}

	store := newMockDeviceAccountStore()
	store.devices = []*models.Device{caller, phone}
	r := authedRouter(store, caller, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/api/v1/devices/"+phone.ID.String(), nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.deletedIDs) != 1 || store.deletedIDs[0] != phone.ID {
		t.Fatalf("expected device %s deleted, got %v", phone.ID, store.deletedIDs)
	}
}

func TestRevokeDevice_NotOwned(t *testing.T) {
	caller := &models.Device{ID: uuid.New(), UserID: uuid.New(), Name: "laptop", CreatedAt: time.Now().UTC()}
	foreign := &models.Device{ID: uuid.New(), UserID: uuid.New(), Name: "foreign", CreatedAt: time.Now().UTC()}

	store := newMockDeviceAccountStore()
	store.devices = []*models.Device{caller, foreign}
	r := authedRouter(store, caller, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/api/v1/devices/"+foreign.ID.String(), nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
	if len(store.deletedIDs) != 0 {
		t.Fatalf("expected no deletions, got %v", store.deletedIDs)
	}
}

func TestRevokeDevice_InvalidID(t *testing.T) {
	caller := &models.Device{ID: uuid.New(), UserID: uuid.New(), Name: "laptop", CreatedAt: time.Now().UTC()}
	store := newMockDeviceAccountStore()
	store.devices = []*models.Device{caller}
	r := authedRouter(store, caller, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/api/v1/devices/not-a-uuid", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestRevokeDevice_StoreFailure(t *testing.T) {
	caller := &models.Device{ID: uuid.New(), UserID: uuid.New(), Name: "laptop", CreatedAt: time.Now().UTC()}
	store := newMockDeviceAccountStore()
	store.devices = []*models.Device{caller}
	store.deleteErr = errors.New("connection refused")
	r := authedRouter(store, caller, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/api/v1/devices/"+caller.ID.String(), nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}
}

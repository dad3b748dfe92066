package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/triplog-app/triplog/internal/api/middleware"
	"github.com/triplog-app/triplog/internal/license"
	"github.com/triplog-app/triplog/internal/models"
)

// LicenseStore defines the persistence surface for seat pool management that
// does not go through the transition machine.
type LicenseStore interface {
	CreateLicense(ctx context.Context, l *models.License) error
	ListLicensesByOrg(ctx context.Context, orgID uuid.UUID) ([]*models.License, error)
	CreateProAccount(ctx context.Context, acct *models.ProAccount) error
}

// LicensesHandler handles organization license pool endpoints. All state
// transitions are delegated to the license machine; the handler only maps
// transition outcomes to HTTP status codes.
type LicensesHandler struct {
	store   LicenseStore
	machine *license.Machine
	logger  zerolog.Logger
}

// NewLicensesHandler creates a new LicensesHandler.
func NewLicensesHandler(store LicenseStore, machine *license.Machine, logger zerolog.Logger) *LicensesHandler {
	return &LicensesHandler{
		store:   store,
		machine: machine,
		logger:  logger.With().Str("component", "licenses_handler").Logger(),
	}
}

// RegisterRoutes registers license routes on the given router group.
func (h *LicensesHandler) RegisterRoutes(r *gin.RouterGroup) {
	orgs := r.Group("/orgs")
	{
		orgs.POST("", h.CreateOrg)
		orgs.GET("/:id/licenses", h.ListSeats)
		orgs.POST("/:id/licenses", h.PurchaseSeats)
		orgs.POST("/:id/renewal", h.RunRenewal)
	}

	licenses := r.Group("/licenses")
	{
		licenses.POST("/:id/assign", h.Assign)
		licenses.POST("/:id/unlink", h.RequestUnlink)
		licenses.DELETE("/:id/unlink", h.CancelUnlink)
		licenses.DELETE("/:id", h.Delete)
	}

	r.POST("/billing/events", h.BillingEvent)
	r.POST("/subscription/finalize", h.FinalizePending)
}

// transitionStatus maps a transition outcome code to an HTTP status.
func transitionStatus(res license.Result) int {
	if res.OK {
		if res.Code == license.CodeDeferred {
			return http.StatusAccepted
		}
		return http.StatusOK
	}
	switch res.Code {
	case license.CodeNotFound:
		return http.StatusNotFound
	case license.CodeRaceLost:
		// Transient: the client should retry.
		return http.StatusConflict
	case license.CodeLicenseNotAvailable, license.CodeAlreadyLicensed, license.CodeWrongState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// requireOwnedOrg resolves an org ID the authenticated user must own.
// Returns uuid.Nil after writing the error response when the check fails.
func requireOwnedOrg(c *gin.Context, raw string) uuid.UUID {
	orgID, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid org id"})
		return uuid.Nil
	}
	for _, owned := range middleware.GetOwnedOrgs(c) {
		if owned == orgID {
			return orgID
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "not an owner of this organization"})
	return uuid.Nil
}

// CreateOrgRequest is the request body for creating an organization account.
type CreateOrgRequest struct {
	CompanyName string `json:"company_name" binding:"required,min=1,max=255"`
	VATNumber   string `json:"vat_number" binding:"max=64"`
}

// CreateOrg creates an organization account owned by the authenticated user.
// POST /api/v1/orgs
func (h *LicensesHandler) CreateOrg(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	var req CreateOrgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	acct := models.NewProAccount(device.UserID, req.CompanyName)
	acct.VATNumber = req.VATNumber
	if err := h.store.CreateProAccount(c.Request.Context(), acct); err != nil {
		h.logger.Error().Err(err).Str("user_id", device.UserID.String()).Msg("failed to create org")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create organization"})
		return
	}

	h.logger.Info().Str("org_id", acct.ID.String()).Str("owner", device.UserID.String()).Msg("organization created")
	c.JSON(http.StatusCreated, acct)
}

// ListSeats returns all seats in an owned org's license pool.
// GET /api/v1/orgs/:id/licenses
func (h *LicensesHandler) ListSeats(c *gin.Context) {
	orgID := requireOwnedOrg(c, c.Param("id"))
	if orgID == uuid.Nil {
		return
	}

	seats, err := h.store.ListLicensesByOrg(c.Request.Context(), orgID)
	if err != nil {
		h.logger.Error().Err(err).Str("org_id", orgID.String()).Msg("failed to list licenses")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list licenses"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"licenses": seats})
}

// PurchaseSeatsRequest is the request body for adding seats to a pool.
type PurchaseSeatsRequest struct {
	Count           int    `json:"count" binding:"required,min=1,max=500"`
	Perpetual       bool   `json:"perpetual"`
	SubscriptionRef string `json:"subscription_ref" binding:"max=255"`
}

// PurchaseSeats creates new available seats in an owned org's pool.
// POST /api/v1/orgs/:id/licenses
func (h *LicensesHandler) PurchaseSeats(c *gin.Context) {
	orgID := requireOwnedOrg(c, c.Param("id"))
	if orgID == uuid.Nil {
		return
	}

	var req PurchaseSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if !req.Perpetual && req.SubscriptionRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscription_ref is required for non-perpetual seats"})
		return
	}

	created := make([]*models.License, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		seat := models.NewLicense(orgID, req.Perpetual, req.SubscriptionRef)
		if err := h.store.CreateLicense(c.Request.Context(), seat); err != nil {
			h.logger.Error().Err(err).Str("org_id", orgID.String()).Msg("failed to create license")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create licenses"})
			return
		}
		created = append(created, seat)
	}

	h.logger.Info().Str("org_id", orgID.String()).Int("count", len(created)).Msg("seats purchased")
	c.JSON(http.StatusCreated, gin.H{"licenses": created})
}

// AssignRequest is the request body for assigning a seat.
type AssignRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
	OrgID  uuid.UUID `json:"org_id" binding:"required"`
}

// Assign hands an available seat to a user.
// POST /api/v1/licenses/:id/assign
func (h *LicensesHandler) Assign(c *gin.Context) {
	licenseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid license id"})
		return
	}

	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if orgID := requireOwnedOrg(c, req.OrgID.String()); orgID == uuid.Nil {
		return
	}

	res := h.machine.Assign(c.Request.Context(), licenseID, req.UserID, req.OrgID)
	c.JSON(transitionStatus(res), res)
}

// orgScopedTransition parses the license ID and org_id query parameter,
// checks ownership, and runs the given transition.
func (h *LicensesHandler) orgScopedTransition(c *gin.Context, fn func(ctx context.Context, licenseID, orgID uuid.UUID) license.Result) {
	licenseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid license id"})
		return
	}
	orgID := requireOwnedOrg(c, c.Query("org_id"))
	if orgID == uuid.Nil {
		return
	}

	res := fn(c.Request.Context(), licenseID, orgID)
	c.JSON(transitionStatus(res), res)
}

// RequestUnlink starts the unlink notice period for an assigned seat.
// POST /api/v1/licenses/:id/unlink?org_id=...
func (h *LicensesHandler) RequestUnlink(c *gin.Context) {
	h.orgScopedTransition(c, h.machine.RequestUnlink)
}

// CancelUnlink aborts a pending unlink before its notice period elapses.
// DELETE /api/v1/licenses/:id/unlink?org_id=...
func (h *LicensesHandler) CancelUnlink(c *gin.Context) {
	h.orgScopedTransition(c, h.machine.CancelUnlink)
}

// Delete tombstones an available seat.
// DELETE /api/v1/licenses/:id?org_id=...
func (h *LicensesHandler) Delete(c *gin.Context) {
	h.orgScopedTransition(c, h.machine.Delete)
}

// BillingEventRequest is the request body for billing provider events.
type BillingEventRequest struct {
	Event           string     `json:"event" binding:"required,oneof=payment_failed payment_recovered subscription_terminated"`
	SubscriptionRef string     `json:"subscription_ref" binding:"required,max=255"`
	OrgID           uuid.UUID  `json:"org_id" binding:"required"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
}

// BillingEvent applies a billing provider event to the seat it references.
// POST /api/v1/billing/events
func (h *LicensesHandler) BillingEvent(c *gin.Context) {
	var req BillingEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if orgID := requireOwnedOrg(c, req.OrgID.String()); orgID == uuid.Nil {
		return
	}

	var res license.Result
	switch req.Event {
	case "payment_failed":
		res = h.machine.BillingFailed(c.Request.Context(), req.SubscriptionRef, req.OrgID)
	case "payment_recovered":
		if req.PeriodEnd == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period_end is required for payment_recovered"})
			return
		}
		res = h.machine.BillingRecovered(c.Request.Context(), req.SubscriptionRef, req.OrgID, *req.PeriodEnd)
	case "subscription_terminated":
		res = h.machine.SubscriptionTerminated(c.Request.Context(), req.SubscriptionRef, req.OrgID)
	}

	c.JSON(transitionStatus(res), res)
}

// FinalizePending completes a deferred assignment for the authenticated user
// after their conflicting paid plan confirmed cancellation.
// POST /api/v1/subscription/finalize
func (h *LicensesHandler) FinalizePending(c *gin.Context) {
	device := middleware.RequireDevice(c)
	if device == nil {
		return
	}

	res := h.machine.FinalizePending(c.Request.Context(), device.UserID)
	c.JSON(transitionStatus(res), res)
}

// RunRenewal processes expirations and due unlinks for an owned org's pool.
// POST /api/v1/orgs/:id/renewal
func (h *LicensesHandler) RunRenewal(c *gin.Context) {
	orgID := requireOwnedOrg(c, c.Param("id"))
	if orgID == uuid.Nil {
		return
	}

	summary, err := h.machine.ProcessRenewal(c.Request.Context(), orgID)
	if err != nil {
		h.logger.Error().Err(err).Str("org_id", orgID.String()).Msg("renewal pass failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "renewal pass failed"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

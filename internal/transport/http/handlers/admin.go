package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/smplatform/mu-auth/internal/infra/telemetry"
	"github.com/smplatform/mu-auth/internal/transport/http/middleware"
	"github.com/smplatform/mu-auth/internal/usecase"
)

// AdminHandler exposes the admin-triggered mirror sync and the
// authorization check endpoint.
type AdminHandler struct {
	sync    *usecase.SyncService
	authz   *usecase.AuthorizationService
	metrics *telemetry.Provider
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(sync *usecase.SyncService, authz *usecase.AuthorizationService, metrics *telemetry.Provider) *AdminHandler {
	return &AdminHandler{sync: sync, authz: authz, metrics: metrics}
}

// RegisterRoutes binds the admin routes. Callers wrap the group with
// RequireAuth and RequireRole.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sync/users", h.syncUsers)
	r.POST("/sync/users/:id", h.syncUser)
}

// RegisterAuthzRoutes binds the authorization check route for any
// authenticated caller.
func (h *AdminHandler) RegisterAuthzRoutes(r *gin.RouterGroup) {
	r.POST("/check", h.check)
}

func (h *AdminHandler) syncUsers(c *gin.Context) {
	actor, _ := middleware.GetAuthenticatedUserID(c)

	h.metrics.CountSyncRun()
	report, err := h.sync.SyncAll(c.Request.Context(), actor)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"},
		}, http.StatusInternalServerError, "user sync failed")
		return
	}

	c.JSON(http.StatusOK, SyncResponse{
		Total:     report.Total,
		Upserted:  report.Upserted,
		Failed:    report.Failed,
		StartedAt: report.StartedAt,
		Duration:  report.Duration.String(),
	})
}

func (h *AdminHandler) syncUser(c *gin.Context) {
	user, err := h.sync.SyncUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, NewErrorResponse(c, "failed to sync user"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": user.ID, "synced_at": user.LastSyncAt})
}

func (h *AdminHandler) check(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	var req AuthzCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "resource and action are required"))
		return
	}

	roles := []string{}
	if raw, exists := c.Get("roles"); exists {
		if r, ok := raw.([]string); ok {
			roles = r
		}
	}

	decision, err := h.authz.Evaluate(c.Request.Context(), usecase.EvaluateInput{
		UserID:   userID,
		Roles:    roles,
		Resource: req.Resource,
		Action:   req.Action,
		Context:  req.Context,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "authorization check failed"))
		return
	}

	c.JSON(http.StatusOK, AuthzCheckResponse{Allow: decision.Allow, Reason: decision.Reason})
}

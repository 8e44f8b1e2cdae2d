package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/infra/telemetry"
	"github.com/smplatform/mu-auth/internal/usecase"
)

// MagicLinkHandler exposes magic-link request, verification and revocation.
type MagicLinkHandler struct {
	links   *usecase.MagicLinkService
	metrics *telemetry.Provider
}

// NewMagicLinkHandler constructs MagicLinkHandler.
func NewMagicLinkHandler(links *usecase.MagicLinkService, metrics *telemetry.Provider) *MagicLinkHandler {
	return &MagicLinkHandler{links: links, metrics: metrics}
}

// RegisterRoutes binds the public magic-link routes. Request may carry rate
// limiting middleware; admin operations are registered separately.
func (h *MagicLinkHandler) RegisterRoutes(r *gin.RouterGroup, requestMiddlewares ...gin.HandlerFunc) {
	if len(requestMiddlewares) > 0 {
		chain := append([]gin.HandlerFunc{}, requestMiddlewares...)
		chain = append(chain, h.request)
		r.POST("/request", chain...)
	} else {
		r.POST("/request", h.request)
	}

	r.POST("/verify", h.verify)
}

// RegisterAdminRoutes binds the authenticated management routes.
func (h *MagicLinkHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/revoke", h.revoke)
	r.GET("/list", h.list)
	r.POST("/cleanup", h.cleanup)
}

func (h *MagicLinkHandler) request(c *gin.Context) {
	var req MagicLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "a valid email is required"))
		return
	}

	result, err := h.links.Generate(c.Request.Context(), usecase.GenerateInput{
		Email:       req.Email,
		Action:      domain.MagicLinkAction(strings.TrimSpace(req.Action)),
		RedirectURL: req.RedirectURL,
		Context: domain.RequestContext{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		},
	})
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"},
		}, http.StatusInternalServerError, "failed to issue magic link")
		return
	}

	// Same acknowledgement whether or not the address is registered.
	c.JSON(http.StatusAccepted, MagicLinkRequestResponse{
		Message:     "if the address is registered, a sign-in link is on its way",
		MaskedEmail: result.MaskedEmail,
		ExpiresAt:   result.ExpiresAt,
	})
}

func (h *MagicLinkHandler) verify(c *gin.Context) {
	var req MagicLinkVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "token is required"))
		return
	}

	result, err := h.links.Verify(c.Request.Context(), usecase.VerifyInput{
		Token: req.Token,
		Context: domain.RequestContext{
			IP:                c.ClientIP(),
			UserAgent:         c.Request.UserAgent(),
			DeviceFingerprint: strings.TrimSpace(req.DeviceFingerprint),
		},
	})
	if err != nil {
		h.metrics.CountRedemption("rejected")
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrMagicLinkExpired, Status: http.StatusGone, Message: "magic link expired"},
			{Err: usecase.ErrMagicLinkUsed, Status: http.StatusConflict, Message: "magic link already used"},
			{Err: usecase.ErrMagicLinkRevoked, Status: http.StatusGone, Message: "magic link revoked"},
			{Err: usecase.ErrMagicLinkInvalid, Status: http.StatusUnauthorized, Message: "invalid magic link"},
			{Err: usecase.ErrRegistrationDisabled, Status: http.StatusForbidden, Message: "registration is disabled"},
			{Err: usecase.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"},
		}, http.StatusInternalServerError, "failed to verify magic link")
		return
	}

	h.metrics.CountRedemption("redeemed")

	status := http.StatusOK
	if result.RequiresMFA {
		status = http.StatusAccepted
	}

	c.JSON(status, LoginResponse{
		Success:     result.Success,
		RequiresMFA: result.RequiresMFA,
		UserID:      result.UserID,
		Tokens:      newTokenPayload(result.Tokens),
		Challenge:   newChallengePayload(result.Challenge),
	})
}

func (h *MagicLinkHandler) revoke(c *gin.Context) {
	var req MagicLinkRevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "link_id is required"))
		return
	}

	if err := h.links.Revoke(c.Request.Context(), req.LinkID); err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrMagicLinkInvalid, Status: http.StatusNotFound, Message: "magic link not found"},
		}, http.StatusInternalServerError, "failed to revoke magic link")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *MagicLinkHandler) list(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "email query parameter is required"))
		return
	}

	links, err := h.links.ListForEmail(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to list magic links"))
		return
	}

	summaries := make([]MagicLinkSummary, 0, len(links))
	for _, link := range links {
		summaries = append(summaries, MagicLinkSummary{
			ID:        link.ID,
			Email:     link.Email,
			Status:    string(link.Status),
			Action:    string(link.Action),
			CreatedAt: link.CreatedAt,
			ExpiresAt: link.ExpiresAt,
			UsedAt:    link.UsedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"links": summaries, "total": len(summaries)})
}

func (h *MagicLinkHandler) cleanup(c *gin.Context) {
	transitioned, err := h.links.CleanupExpired(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to expire magic links"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"expired": transitioned})
}

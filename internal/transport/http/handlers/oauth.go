package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/transport/http/middleware"
	"github.com/smplatform/mu-auth/internal/usecase"
)

// OAuthHandler exposes provider authorization, callback and account-link
// management endpoints.
type OAuthHandler struct {
	oauth *usecase.OAuthLinkService
}

// NewOAuthHandler constructs OAuthHandler.
func NewOAuthHandler(oauth *usecase.OAuthLinkService) *OAuthHandler {
	return &OAuthHandler{oauth: oauth}
}

// RegisterRoutes binds the public OAuth flow routes.
func (h *OAuthHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/:provider/authorize", h.authorize)
	r.POST("/:provider/callback", h.callback)
}

// RegisterLinkRoutes binds the authenticated account-link routes.
func (h *OAuthHandler) RegisterLinkRoutes(r *gin.RouterGroup) {
	r.GET("", h.list)
	r.POST("/:provider", h.link)
	r.DELETE("/:provider", h.unlink)
}

func providerParam(c *gin.Context) (domain.OAuthProvider, bool) {
	provider := domain.OAuthProvider(strings.ToLower(strings.TrimSpace(c.Param("provider"))))
	switch provider {
	case domain.OAuthProviderGoogle, domain.OAuthProviderGitHub:
		return provider, true
	default:
		c.JSON(http.StatusNotFound, NewErrorResponse(c, "unknown provider"))
		return "", false
	}
}

func (h *OAuthHandler) authorize(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		return
	}

	url, err := h.oauth.AuthorizationURL(c.Request.Context(), provider, c.Query("redirect_uri"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to build authorization url"))
		return
	}

	c.JSON(http.StatusOK, OAuthAuthorizeResponse{AuthorizationURL: url})
}

func (h *OAuthHandler) callback(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		return
	}

	var req OAuthCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "state and code are required"))
		return
	}

	result, err := h.oauth.HandleCallback(c.Request.Context(), usecase.CallbackInput{
		Provider: provider,
		State:    req.State,
		Code:     req.Code,
		Context: domain.RequestContext{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		},
	})
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrStateInvalid, Status: http.StatusUnauthorized, Message: "invalid or expired state"},
			{Err: usecase.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"},
		}, http.StatusInternalServerError, "oauth callback failed")
		return
	}

	c.JSON(http.StatusOK, OAuthCallbackResponse{
		UserID:      result.UserID,
		Created:     result.Created,
		Linked:      result.Linked,
		Tokens:      newTokenPayload(result.Tokens),
		RedirectURI: result.RedirectURI,
	})
}

func (h *OAuthHandler) list(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	accounts, err := h.oauth.ListLinkedAccounts(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to list linked accounts"))
		return
	}

	payloads := make([]LinkedAccountPayload, 0, len(accounts))
	for _, account := range accounts {
		payloads = append(payloads, newLinkedAccountPayload(account))
	}

	c.JSON(http.StatusOK, LinkedAccountListResponse{Accounts: payloads})
}

func (h *OAuthHandler) link(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	provider, ok := providerParam(c)
	if !ok {
		return
	}

	var req OAuthCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "state and code are required"))
		return
	}

	account, err := h.oauth.LinkAccount(c.Request.Context(), userID, usecase.CallbackInput{
		Provider: provider,
		State:    req.State,
		Code:     req.Code,
	})
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrStateInvalid, Status: http.StatusUnauthorized, Message: "invalid or expired state"},
			{Err: usecase.ErrAccountAlreadyLinked, Status: http.StatusConflict, Message: "provider identity already linked to another account"},
		}, http.StatusInternalServerError, "failed to link account")
		return
	}

	c.JSON(http.StatusCreated, newLinkedAccountPayload(*account))
}

func (h *OAuthHandler) unlink(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	provider, ok := providerParam(c)
	if !ok {
		return
	}

	if err := h.oauth.UnlinkAccount(c.Request.Context(), userID, provider); err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrAccountNotLinked, Status: http.StatusNotFound, Message: "no link for this provider"},
		}, http.StatusInternalServerError, "failed to unlink account")
		return
	}

	c.Status(http.StatusNoContent)
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smplatform/mu-auth/internal/infra/telemetry"
	"github.com/smplatform/mu-auth/internal/usecase"
)

// AuthHandler exposes the unified login, refresh and logout endpoints.
type AuthHandler struct {
	login   *usecase.LoginService
	tokens  *usecase.TokenService
	metrics *telemetry.Provider
}

// NewAuthHandler constructs AuthHandler.
func NewAuthHandler(login *usecase.LoginService, tokens *usecase.TokenService, metrics *telemetry.Provider) *AuthHandler {
	return &AuthHandler{login: login, tokens: tokens, metrics: metrics}
}

// RegisterRoutes binds authentication routes, applying optional middleware ahead of the login handler.
func (h *AuthHandler) RegisterRoutes(r *gin.RouterGroup, loginMiddlewares ...gin.HandlerFunc) {
	if len(loginMiddlewares) > 0 {
		chain := append([]gin.HandlerFunc{}, loginMiddlewares...)
		chain = append(chain, h.loginHandler)
		r.POST("/login", chain...)
	} else {
		r.POST("/login", h.loginHandler)
	}

	r.POST("/refresh", h.refresh)
	r.POST("/logout", h.logout)
}

func (h *AuthHandler) loginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid login payload"))
		return
	}

	result, err := h.login.LoginWithOptions(c.Request.Context(), usecase.LoginOptions{
		Username:          strings.TrimSpace(req.Username),
		Password:          req.Password,
		MagicLinkToken:    strings.TrimSpace(req.MagicLinkToken),
		MFACode:           strings.TrimSpace(req.MFACode),
		ChallengeID:       strings.TrimSpace(req.ChallengeID),
		DeviceFingerprint: strings.TrimSpace(req.DeviceFingerprint),
		RememberDevice:    req.RememberDevice,
		IP:                c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
	})

	method := "password"
	if req.MagicLinkToken != "" {
		method = "magic_link"
	}

	if err != nil {
		h.metrics.CountLogin(method, "failed")
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "invalid credentials"},
			{Err: usecase.ErrMagicLinkExpired, Status: http.StatusGone, Message: "magic link expired"},
			{Err: usecase.ErrMagicLinkUsed, Status: http.StatusConflict, Message: "magic link already used"},
			{Err: usecase.ErrMagicLinkRevoked, Status: http.StatusGone, Message: "magic link revoked"},
			{Err: usecase.ErrMagicLinkInvalid, Status: http.StatusUnauthorized, Message: "invalid magic link"},
			{Err: usecase.ErrChallengeNotFound, Status: http.StatusNotFound, Message: "challenge not found"},
			{Err: usecase.ErrCodeExpired, Status: http.StatusGone, Message: "challenge expired"},
			{Err: usecase.ErrTooManyAttempts, Status: http.StatusTooManyRequests, Message: "too many attempts"},
			{Err: usecase.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"},
		}, http.StatusInternalServerError, "authentication failed")
		return
	}

	status := http.StatusOK
	outcome := "succeeded"
	if result.RequiresMFA {
		status = http.StatusAccepted
		outcome = "mfa_pending"
	}
	h.metrics.CountLogin(method, outcome)

	c.JSON(status, LoginResponse{
		Success:     result.Success,
		RequiresMFA: result.RequiresMFA,
		UserID:      result.UserID,
		Tokens:      newTokenPayload(result.Tokens),
		Challenge:   newChallengePayload(result.Challenge),
	})
}

func (h *AuthHandler) refresh(c *gin.Context) {
	var req TokenRefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "refresh_token is required"))
		return
	}

	pair, err := h.tokens.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrTokenInvalid, Status: http.StatusUnauthorized, Message: "invalid refresh token"},
			{Err: usecase.ErrTokenExpired, Status: http.StatusUnauthorized, Message: "refresh token expired"},
			{Err: usecase.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"},
		}, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	c.JSON(http.StatusOK, newTokenPayload(pair))
}

func (h *AuthHandler) logout(c *gin.Context) {
	var req LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "refresh_token is required"))
		return
	}

	accessToken := bearerToken(c)
	if err := h.tokens.Logout(c.Request.Context(), accessToken, req.RefreshToken); err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"},
		}, http.StatusInternalServerError, "failed to logout")
		return
	}

	c.Status(http.StatusNoContent)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/usecase"
)

// PasswordlessHandler exposes the normalized passwordless initiate/verify
// pair covering magic links and one-time codes.
type PasswordlessHandler struct {
	passwordless *usecase.PasswordlessService
}

// NewPasswordlessHandler constructs PasswordlessHandler.
func NewPasswordlessHandler(passwordless *usecase.PasswordlessService) *PasswordlessHandler {
	return &PasswordlessHandler{passwordless: passwordless}
}

// RegisterRoutes binds the passwordless routes.
func (h *PasswordlessHandler) RegisterRoutes(r *gin.RouterGroup, initiateMiddlewares ...gin.HandlerFunc) {
	if len(initiateMiddlewares) > 0 {
		chain := append([]gin.HandlerFunc{}, initiateMiddlewares...)
		chain = append(chain, h.initiate)
		r.POST("/initiate", chain...)
	} else {
		r.POST("/initiate", h.initiate)
	}

	r.POST("/verify", h.verify)
}

func (h *PasswordlessHandler) initiate(c *gin.Context) {
	var req PasswordlessInitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "identifier is required"))
		return
	}

	result, err := h.passwordless.Initiate(c.Request.Context(), usecase.InitiatePasswordlessInput{
		Identifier:  req.Identifier,
		Method:      usecase.PasswordlessMethod(strings.TrimSpace(req.Method)),
		Action:      domain.MagicLinkActionLogin,
		RedirectURL: req.RedirectURL,
		Context: domain.RequestContext{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		},
	})
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "unable to start passwordless login"},
			{Err: usecase.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"},
		}, http.StatusInternalServerError, "failed to initiate passwordless login")
		return
	}

	c.JSON(http.StatusAccepted, PasswordlessInitiateResponse{
		Method:            string(result.Method),
		MaskedDestination: result.MaskedDestination,
		ChallengeID:       result.ChallengeID,
		ExpiresAt:         result.ExpiresAt,
	})
}

func (h *PasswordlessHandler) verify(c *gin.Context) {
	var req PasswordlessVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid verification payload"))
		return
	}

	result, err := h.passwordless.Verify(c.Request.Context(), usecase.VerifyPasswordlessInput{
		Token:       strings.TrimSpace(req.Token),
		ChallengeID: strings.TrimSpace(req.ChallengeID),
		Code:        strings.TrimSpace(req.Code),
		Context: domain.RequestContext{
			IP:                c.ClientIP(),
			UserAgent:         c.Request.UserAgent(),
			DeviceFingerprint: strings.TrimSpace(req.DeviceFingerprint),
		},
	})
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrMagicLinkExpired, Status: http.StatusGone, Message: "magic link expired"},
			{Err: usecase.ErrMagicLinkUsed, Status: http.StatusConflict, Message: "magic link already used"},
			{Err: usecase.ErrMagicLinkRevoked, Status: http.StatusGone, Message: "magic link revoked"},
			{Err: usecase.ErrMagicLinkInvalid, Status: http.StatusUnauthorized, Message: "invalid magic link"},
			{Err: usecase.ErrChallengeNotFound, Status: http.StatusNotFound, Message: "challenge not found"},
			{Err: usecase.ErrCodeExpired, Status: http.StatusGone, Message: "challenge expired"},
			{Err: usecase.ErrTooManyAttempts, Status: http.StatusTooManyRequests, Message: "too many attempts"},
			{Err: usecase.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "identity provider unavailable"},
		}, http.StatusInternalServerError, "failed to verify passwordless login")
		return
	}

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

package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/infra/telemetry"
	"github.com/smplatform/mu-auth/internal/transport/http/middleware"
	"github.com/smplatform/mu-auth/internal/usecase"
)

// MFAHandler exposes second-factor method, challenge, backup-code and
// trusted-device endpoints.
type MFAHandler struct {
	mfa     *usecase.MFAService
	metrics *telemetry.Provider
}

// NewMFAHandler constructs MFAHandler.
func NewMFAHandler(mfa *usecase.MFAService, metrics *telemetry.Provider) *MFAHandler {
	return &MFAHandler{mfa: mfa, metrics: metrics}
}

// RegisterRoutes binds the authenticated MFA management routes.
func (h *MFAHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/methods", h.listMethods)
	r.POST("/methods", h.setupMethod)
	r.POST("/methods/verify", h.verifySetup)
	r.DELETE("/methods/:id", h.removeMethod)
	r.PUT("/methods/:id/primary", h.setPrimary)

	r.POST("/backup-codes", h.generateBackupCodes)
	r.POST("/backup-codes/use", h.useBackupCode)

	r.GET("/devices", h.listDevices)
	r.DELETE("/devices/:id", h.revokeDevice)
}

// RegisterChallengeRoutes binds the pre-authentication challenge routes.
// These run before tokens exist, so they are not behind RequireAuth.
func (h *MFAHandler) RegisterChallengeRoutes(r *gin.RouterGroup, initiateMiddlewares ...gin.HandlerFunc) {
	r.POST("/verify", h.verifyChallenge)

	if len(initiateMiddlewares) > 0 {
		chain := append([]gin.HandlerFunc{}, initiateMiddlewares...)
		chain = append(chain, h.initiateChallenge)
		r.POST("/challenge", chain...)
		return
	}
	r.POST("/challenge", h.initiateChallenge)
}

func (h *MFAHandler) listMethods(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	views, err := h.mfa.ListMethods(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to list methods"))
		return
	}

	payloads := make([]MFAMethodPayload, 0, len(views))
	for _, view := range views {
		payloads = append(payloads, newMethodPayload(view))
	}

	c.JSON(http.StatusOK, MFAMethodListResponse{Methods: payloads})
}

func (h *MFAHandler) setupMethod(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	var req MFASetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid setup payload"))
		return
	}

	result, err := h.mfa.SetupMethod(c.Request.Context(), usecase.SetupMethodInput{
		UserID:  userID,
		Type:    domain.MFAMethodType(strings.TrimSpace(req.Type)),
		Name:    req.Name,
		Phone:   req.Phone,
		Email:   req.Email,
		Account: req.Account,
	})
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrMethodAlreadyExists, Status: http.StatusConflict, Message: "method already registered for this destination"},
			{Err: usecase.ErrMethodNotSupported, Status: http.StatusBadRequest, Message: "unsupported method type"},
		}, http.StatusInternalServerError, "failed to set up method")
		return
	}

	c.JSON(http.StatusCreated, MFASetupResponse{
		Method:            newMethodPayload(result.Method),
		Secret:            result.Secret,
		ProvisionURL:      result.ProvisionURL,
		BackupCodes:       result.BackupCodes,
		ChallengeID:       result.ChallengeID,
		MaskedDestination: result.MaskedDestination,
	})
}

func (h *MFAHandler) verifySetup(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	var req MFAVerifySetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "method_id and code are required"))
		return
	}

	view, err := h.mfa.VerifySetup(c.Request.Context(), usecase.VerifySetupInput{
		UserID:      userID,
		MethodID:    req.MethodID,
		ChallengeID: req.ChallengeID,
		Code:        req.Code,
	})
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrMethodNotFound, Status: http.StatusNotFound, Message: "method not found"},
			{Err: usecase.ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "invalid verification code"},
			{Err: usecase.ErrCodeExpired, Status: http.StatusGone, Message: "verification code expired"},
			{Err: usecase.ErrTooManyAttempts, Status: http.StatusTooManyRequests, Message: "too many attempts"},
			{Err: usecase.ErrChallengeNotFound, Status: http.StatusNotFound, Message: "challenge not found"},
		}, http.StatusInternalServerError, "failed to verify method")
		return
	}

	c.JSON(http.StatusOK, newMethodPayload(*view))
}

func (h *MFAHandler) removeMethod(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	if err := h.mfa.RemoveMethod(c.Request.Context(), userID, c.Param("id")); err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrMethodNotFound, Status: http.StatusNotFound, Message: "method not found"},
		}, http.StatusInternalServerError, "failed to remove method")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *MFAHandler) setPrimary(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	if err := h.mfa.SetPrimaryMethod(c.Request.Context(), userID, c.Param("id")); err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrMethodNotFound, Status: http.StatusNotFound, Message: "method not found"},
			{Err: usecase.ErrMethodNotVerified, Status: http.StatusConflict, Message: "method is not verified"},
		}, http.StatusInternalServerError, "failed to set primary method")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *MFAHandler) initiateChallenge(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	var req MFAChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid challenge payload"))
		return
	}

	challenge, err := h.mfa.InitiateChallenge(c.Request.Context(), usecase.InitiateChallengeInput{
		UserID:    userID,
		MethodID:  strings.TrimSpace(req.MethodID),
		SessionID: strings.TrimSpace(req.SessionID),
	})
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrMethodNotFound, Status: http.StatusNotFound, Message: "no verified method available"},
			{Err: usecase.ErrMethodNotVerified, Status: http.StatusConflict, Message: "method is not verified"},
		}, http.StatusInternalServerError, "failed to initiate challenge")
		return
	}

	c.JSON(http.StatusCreated, newChallengePayload(challenge))
}

func (h *MFAHandler) verifyChallenge(c *gin.Context) {
	var req MFAVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "challenge_id and code are required"))
		return
	}

	result, err := h.mfa.VerifyChallenge(c.Request.Context(), usecase.VerifyChallengeInput{
		ChallengeID:    req.ChallengeID,
		Code:           req.Code,
		RememberDevice: req.RememberDevice,
		Device: usecase.DeviceInfo{
			Fingerprint: strings.TrimSpace(req.DeviceFingerprint),
			Name:        req.DeviceName,
			Platform:    req.DevicePlatform,
			Browser:     req.DeviceBrowser,
			IP:          c.ClientIP(),
		},
	})
	if err != nil {
		h.metrics.CountChallenge("rejected")
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrChallengeNotFound, Status: http.StatusNotFound, Message: "challenge not found"},
			{Err: usecase.ErrCodeExpired, Status: http.StatusGone, Message: "challenge expired"},
			{Err: usecase.ErrTooManyAttempts, Status: http.StatusTooManyRequests, Message: "too many attempts"},
			{Err: usecase.ErrInvalidCredentials, Status: http.StatusUnauthorized, Message: "invalid code"},
		}, http.StatusInternalServerError, "failed to verify challenge")
		return
	}

	if result.Verified {
		h.metrics.CountChallenge("verified")
	} else {
		h.metrics.CountChallenge("mismatch")
	}

	c.JSON(http.StatusOK, MFAVerifyResponse{
		Verified:          result.Verified,
		AttemptsRemaining: result.AttemptsRemaining,
		UserID:            result.UserID,
		DeviceTrusted:     result.DeviceTrusted,
	})
}

func (h *MFAHandler) generateBackupCodes(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	result, err := h.mfa.GenerateBackupCodes(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to generate backup codes"))
		return
	}

	c.JSON(http.StatusCreated, BackupCodesResponse{
		Codes:       result.Codes,
		GeneratedAt: result.GeneratedAt,
	})
}

func (h *MFAHandler) useBackupCode(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	var req BackupCodeUseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "code is required"))
		return
	}

	remaining, err := h.mfa.UseBackupCode(c.Request.Context(), userID, req.Code)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrBackupCodeInvalid, Status: http.StatusUnauthorized, Message: "invalid backup code"},
		}, http.StatusInternalServerError, "failed to use backup code")
		return
	}

	c.JSON(http.StatusOK, BackupCodeUseResponse{Accepted: true, Remaining: remaining})
}

func (h *MFAHandler) listDevices(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	devices, err := h.mfa.ListTrustedDevices(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to list devices"))
		return
	}

	payloads := make([]TrustedDevicePayload, 0, len(devices))
	for _, device := range devices {
		payloads = append(payloads, newDevicePayload(device))
	}

	c.JSON(http.StatusOK, TrustedDeviceListResponse{Devices: payloads})
}

func (h *MFAHandler) revokeDevice(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	if err := h.mfa.RevokeTrustedDevice(c.Request.Context(), userID, c.Param("id")); err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrDeviceNotTrusted, Status: http.StatusNotFound, Message: "device not found"},
		}, http.StatusInternalServerError, "failed to revoke device")
		return
	}

	c.Status(http.StatusNoContent)
}

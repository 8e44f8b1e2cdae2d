package handlers

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/smplatform/mu-auth/internal/transport/http/middleware"
	"github.com/smplatform/mu-auth/internal/usecase"
)

const (
	rateLimitProblemType  = "https://auth.smplatform.example.com/errors/rate-limit-exceeded"
	rateLimitProblemTitle = "Rate Limit Exceeded"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
}

// RespondWithMappedError resolves the provided error against known cases or
// falls back to a generic response. Rate-limit errors always produce a 429
// problem payload with Retry-After.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	var rateErr *usecase.RateLimitedError
	if errors.As(err, &rateErr) {
		respondRateLimited(c, rateErr)
		return
	}

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			c.JSON(cs.Status, NewErrorResponse(c, cs.Message))
			return
		}
	}

	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}

func respondRateLimited(c *gin.Context, rateErr *usecase.RateLimitedError) {
	retrySeconds := int(math.Ceil(rateErr.RetryAfter.Seconds()))
	if retrySeconds < 0 {
		retrySeconds = 0
	}

	detail := "Too many requests. Try again later."
	if rateErr.RetryAfter > 0 {
		detail = fmt.Sprintf("Too many requests. Try again in %d seconds.", retrySeconds)
	}

	instance := c.FullPath()
	if instance == "" {
		instance = c.Request.URL.Path
	}

	c.Header("Retry-After", strconv.Itoa(retrySeconds))

	problem := middleware.ProblemDetails{
		Type:       rateLimitProblemType,
		Title:      rateLimitProblemTitle,
		Status:     http.StatusTooManyRequests,
		Detail:     detail,
		Instance:   instance,
		RetryAfter: retrySeconds,
		TraceID:    middleware.GetTraceID(c),
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, problem)
}

package opa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
	"github.com/smplatform/mu-auth/internal/infra/config"
)

// ErrUnavailable indicates OPA could not be reached or answered 5xx.
var ErrUnavailable = errors.New("opa: unavailable")

// Client queries an OPA instance over its data API.
type Client struct {
	cfg        config.OPASettings
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs an OPA client with request timeouts applied.
func NewClient(cfg config.OPASettings, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// Evaluate submits the input document and returns the policy decision.
func (c *Client) Evaluate(ctx context.Context, input port.PolicyInput) (*domain.PolicyDecision, error) {
	doc := map[string]any{
		"input": map[string]any{
			"user_id":  input.UserID,
			"roles":    input.Roles,
			"resource": input.Resource,
			"action":   input.Action,
			"context":  input.Context,
		},
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode policy input: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.PolicyPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("opa request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, ErrUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("opa evaluate: status %d", resp.StatusCode)
	}

	var payload struct {
		Result struct {
			Allow  bool   `json:"allow"`
			Reason string `json:"reason"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode policy response: %w", err)
	}

	return &domain.PolicyDecision{
		Allow:  payload.Result.Allow,
		Reason: payload.Result.Reason,
	}, nil
}

var _ port.PolicyEngine = (*Client)(nil)

package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smplatform/mu-auth/internal/core/domain"
	"github.com/smplatform/mu-auth/internal/core/port"
)

const mfaEnforcedAttribute = "mfa_enforced"

// userRepresentation mirrors the admin API user payload.
type userRepresentation struct {
	ID               string              `json:"id,omitempty"`
	Username         string              `json:"username"`
	Email            string              `json:"email,omitempty"`
	EmailVerified    bool                `json:"emailVerified"`
	FirstName        string              `json:"firstName,omitempty"`
	LastName         string              `json:"lastName,omitempty"`
	Enabled          bool                `json:"enabled"`
	CreatedTimestamp int64               `json:"createdTimestamp,omitempty"`
	Attributes       map[string][]string `json:"attributes,omitempty"`
	RealmRoles       []string            `json:"realmRoles,omitempty"`
}

func (u userRepresentation) toDomain() domain.User {
	user := domain.User{
		ID:            u.ID,
		Username:      u.Username,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Enabled:       u.Enabled,
		Roles:         u.RealmRoles,
	}
	if u.CreatedTimestamp > 0 {
		user.CreatedAt = time.UnixMilli(u.CreatedTimestamp).UTC()
	}
	if vals, ok := u.Attributes[mfaEnforcedAttribute]; ok && len(vals) > 0 {
		user.MFAEnforced = strings.EqualFold(vals[0], "true")
	}
	if vals, ok := u.Attributes["phone"]; ok && len(vals) > 0 {
		user.Phone = vals[0]
	}
	return user
}

// GetUser fetches a user by id through the admin API.
func (c *Client) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var repr userRepresentation
	if err := c.adminGet(ctx, "/users/"+url.PathEscape(id), &repr); err != nil {
		return nil, err
	}
	user := repr.toDomain()
	return &user, nil
}

// GetUserByEmail resolves a user by exact email match.
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var reprs []userRepresentation
	path := "/users?exact=true&email=" + url.QueryEscape(email)
	if err := c.adminGet(ctx, path, &reprs); err != nil {
		return nil, err
	}
	if len(reprs) == 0 {
		return nil, ErrNotFound
	}

	user := reprs[0].toDomain()
	return &user, nil
}

// ListUsers pages through realm users for the mirror sync.
func (c *Client) ListUsers(ctx context.Context, offset, limit int) ([]domain.User, error) {
	var reprs []userRepresentation
	path := fmt.Sprintf("/users?first=%d&max=%d", offset, limit)
	if err := c.adminGet(ctx, path, &reprs); err != nil {
		return nil, err
	}

	users := make([]domain.User, 0, len(reprs))
	for _, repr := range reprs {
		users = append(users, repr.toDomain())
	}
	return users, nil
}

// CreateUser provisions a new identity and returns its id.
func (c *Client) CreateUser(ctx context.Context, input port.NewUserInput) (string, error) {
	repr := userRepresentation{
		Username:      input.Username,
		Email:         input.Email,
		EmailVerified: input.EmailVerified,
		FirstName:     input.FirstName,
		LastName:      input.LastName,
		Enabled:       input.Enabled,
		Attributes:    input.Attributes,
	}

	resp, err := c.adminDo(ctx, http.MethodPost, "/users", repr)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("keycloak create user: status %d", resp.StatusCode)
	}

	// The new user id is the last segment of the Location header.
	location := resp.Header.Get("Location")
	idx := strings.LastIndex(location, "/")
	if idx < 0 || idx == len(location)-1 {
		return "", fmt.Errorf("keycloak create user: missing location header")
	}

	id := location[idx+1:]
	c.logger.Info("keycloak user created",
		zap.String("user_id", id),
		zap.String("email", maskedIdentifier(input.Email)),
	)
	return id, nil
}

// AssignRoles maps realm roles onto the user.
func (c *Client) AssignRoles(ctx context.Context, userID string, roles []string) error {
	type roleRepresentation struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	payload := make([]roleRepresentation, 0, len(roles))
	for _, role := range roles {
		var repr roleRepresentation
		if err := c.adminGet(ctx, "/roles/"+url.PathEscape(role), &repr); err != nil {
			return fmt.Errorf("resolve role %q: %w", role, err)
		}
		payload = append(payload, repr)
	}

	resp, err := c.adminDo(ctx, http.MethodPost, "/users/"+url.PathEscape(userID)+"/role-mappings/realm", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("keycloak assign roles: status %d", resp.StatusCode)
	}
	return nil
}

// ResetPassword triggers the UPDATE_PASSWORD required-action email.
func (c *Client) ResetPassword(ctx context.Context, email string) error {
	user, err := c.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}

	path := "/users/" + url.PathEscape(user.ID) + "/execute-actions-email"
	resp, err := c.adminDo(ctx, http.MethodPut, path, []string{"UPDATE_PASSWORD"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("keycloak reset password: status %d", resp.StatusCode)
	}
	return nil
}

// ChangePassword validates the current password through a login attempt and
// sets the new credential via the admin API.
func (c *Client) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := c.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	if _, err := c.Login(ctx, user.Username, currentPassword); err != nil {
		return err
	}

	credential := map[string]any{
		"type":      "password",
		"value":     newPassword,
		"temporary": false,
	}
	resp, err := c.adminDo(ctx, http.MethodPut, "/users/"+url.PathEscape(userID)+"/reset-password", credential)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("keycloak change password: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) adminGet(ctx context.Context, path string, out any) error {
	resp, err := c.adminDo(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return ErrUnavailable
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("keycloak admin get %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode admin response: %w", err)
	}
	return nil
}

func (c *Client) adminDo(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := c.admin.tokenContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: admin token: %v", ErrUnavailable, err)
	}

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode admin request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	endpoint := fmt.Sprintf("%s/admin/realms/%s%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Realm, path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build admin request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("keycloak admin request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

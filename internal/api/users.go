package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alexjbarnes/ums-client/internal/models"
)

// ChangePasswordRequest is the body of the change-password endpoint.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// ListUsers returns one page of users. Pages start at 1.
func (c *Client) ListUsers(ctx context.Context, page, pageSize int) (*models.UserPage, error) {
	if page < 1 {
		page = 1
	}

	if pageSize < 1 {
		pageSize = 10
	}

	q := url.Values{}
	q.Set("Page", strconv.Itoa(page))
	q.Set("PageSize", strconv.Itoa(pageSize))

	users, total, err := call[[]models.User](ctx, c, http.MethodGet, PathUsers+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return &models.UserPage{Users: users, Total: total, Page: page, PageSize: pageSize}, nil
}

// GetUser fetches a single user by username.
func (c *Client) GetUser(ctx context.Context, userName string) (*models.User, error) {
	u, _, err := call[models.User](ctx, c, http.MethodGet, userPath(userName), nil)
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", userName, err)
	}

	return &u, nil
}

// CreateUser creates a user.
func (c *Client) CreateUser(ctx context.Context, req models.CreateUserRequest) (*models.User, error) {
	u, _, err := call[models.User](ctx, c, http.MethodPost, PathUsers, req)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return &u, nil
}

// UpdateUser updates a user. Nil request fields are left unchanged.
func (c *Client) UpdateUser(ctx context.Context, userName string, req models.UpdateUserRequest) (*models.User, error) {
	u, _, err := call[models.User](ctx, c, http.MethodPut, userPath(userName), req)
	if err != nil {
		return nil, fmt.Errorf("updating user %s: %w", userName, err)
	}

	return &u, nil
}

// DeleteUser removes a user.
func (c *Client) DeleteUser(ctx context.Context, userName string) error {
	if err := c.do(ctx, http.MethodDelete, userPath(userName), nil, nil); err != nil {
		return fmt.Errorf("deleting user %s: %w", userName, err)
	}

	return nil
}

// RoleRequest is the body of the assign-role endpoint.
type RoleRequest struct {
	Role string `json:"role"`
}

// ListRoles returns the role names users can be given. The list may
// arrive in an envelope, under "roles", or as a bare array.
func (c *Client) ListRoles(ctx context.Context) ([]string, error) {
	roles, err := callLoose[[]string](ctx, c, http.MethodGet, PathRoles, nil, "roles")
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}

	return roles, nil
}

// AssignRole gives userName the named role.
func (c *Client) AssignRole(ctx context.Context, userName, role string) error {
	if err := c.do(ctx, http.MethodPost, userPath(userName)+"/roles", RoleRequest{Role: role}, nil); err != nil {
		return fmt.Errorf("assigning role %s to %s: %w", role, userName, err)
	}

	return nil
}

// RemoveRole takes the named role away from userName.
func (c *Client) RemoveRole(ctx context.Context, userName, role string) error {
	if err := c.do(ctx, http.MethodDelete, userPath(userName)+"/roles/"+url.PathEscape(role), nil, nil); err != nil {
		return fmt.Errorf("removing role %s from %s: %w", role, userName, err)
	}

	return nil
}

// ChangePassword changes the password of userName.
func (c *Client) ChangePassword(ctx context.Context, userName, oldPassword, newPassword string) error {
	if err := c.do(ctx, http.MethodPost, userPath(userName)+"/change-password", ChangePasswordRequest{
		OldPassword: oldPassword,
		NewPassword: newPassword,
	}, nil); err != nil {
		return fmt.Errorf("changing password: %w", err)
	}

	return nil
}

func userPath(userName string) string {
	return PathUsers + "/" + url.PathEscape(userName)
}

// Package mcpserver registers MCP tools that expose UMS user
// administration and the console session. It adapts the api, session and
// sso packages to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/alexjbarnes/ums-client/internal/session"
	"github.com/alexjbarnes/ums-client/internal/sso"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Users is the backend user directory.
type Users interface {
	ListUsers(ctx context.Context, page, pageSize int) (*models.UserPage, error)
	GetUser(ctx context.Context, userName string) (*models.User, error)
	CreateUser(ctx context.Context, req models.CreateUserRequest) (*models.User, error)
	UpdateUser(ctx context.Context, userName string, req models.UpdateUserRequest) (*models.User, error)
	DeleteUser(ctx context.Context, userName string) error
	ListRoles(ctx context.Context) ([]string, error)
	AssignRole(ctx context.Context, userName, role string) error
	RemoveRole(ctx context.Context, userName, role string) error
}

// Session reports the console's current session.
type Session interface {
	Current() session.Event
}

// Services resolves SSO redirect targets for the signed-in user.
type Services interface {
	Load() ([]models.SsoRedirectInfo, error)
}

// Resolver fetches redirect information for one service on demand.
type Resolver interface {
	Resolve(ctx context.Context, clientID string) (*models.SsoRedirectInfo, error)
}

// Deps are the collaborators the tools call.
type Deps struct {
	Users    Users
	Session  Session
	Services Services
	Resolver Resolver
}

// RegisterTools adds all UMS tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_session",
		Description: "Show the console's current session: state, whether it is authenticated, the login method and the signed-in user.",
	}, sessionHandler(d.Session))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_list_users",
		Description: "List users in the directory, one page at a time. Pages are 1-indexed.",
	}, listUsersHandler(d.Users))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_get_user",
		Description: "Fetch a single user by username.",
	}, getUserHandler(d.Users))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_create_user",
		Description: "Create a user. Name and email are required.",
	}, createUserHandler(d.Users))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_update_user",
		Description: "Update fields of an existing user. Omitted fields are left unchanged.",
	}, updateUserHandler(d.Users))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_delete_user",
		Description: "Delete a user by username. This cannot be undone.",
	}, deleteUserHandler(d.Users))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_list_roles",
		Description: "List the role names that can be assigned to users.",
	}, listRolesHandler(d.Users))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_assign_role",
		Description: "Give a user a role.",
	}, assignRoleHandler(d.Users))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_remove_role",
		Description: "Take a role away from a user.",
	}, removeRoleHandler(d.Users))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_list_services",
		Description: "List the SSO-enabled services discovered for the signed-in user, with their redirect URLs.",
	}, listServicesHandler(d.Services))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ums_service_redirect",
		Description: "Get the SSO redirect URL for one service by client id, requesting a fresh token when none is cached.",
	}, redirectHandler(d.Resolver))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SessionInput has no parameters.
type SessionInput struct{}

// ListUsersInput holds parameters for ums_list_users.
type ListUsersInput struct {
	Page     int `json:"page,omitempty" jsonschema:"page number (1-indexed), defaults to 1"`
	PageSize int `json:"page_size,omitempty" jsonschema:"users per page, defaults to 20, at most 100"`
}

// GetUserInput holds parameters for ums_get_user.
type GetUserInput struct {
	UserName string `json:"username" jsonschema:"username to look up"`
}

// CreateUserInput holds parameters for ums_create_user.
type CreateUserInput struct {
	Name     string `json:"name" jsonschema:"full name"`
	Email    string `json:"email" jsonschema:"email address"`
	Phone    string `json:"phone,omitempty" jsonschema:"phone number"`
	Location string `json:"location,omitempty" jsonschema:"office or city"`
	Role     string `json:"role,omitempty" jsonschema:"role name"`
}

// UpdateUserInput holds parameters for ums_update_user.
type UpdateUserInput struct {
	UserName string  `json:"username" jsonschema:"username to update"`
	Name     *string `json:"name,omitempty" jsonschema:"new full name"`
	Email    *string `json:"email,omitempty" jsonschema:"new email address"`
	Phone    *string `json:"phone,omitempty" jsonschema:"new phone number"`
	Location *string `json:"location,omitempty" jsonschema:"new location"`
	Role     *string `json:"role,omitempty" jsonschema:"new role"`
	Status   *string `json:"status,omitempty" jsonschema:"new status, active or inactive"`
}

// DeleteUserInput holds parameters for ums_delete_user.
type DeleteUserInput struct {
	UserName string `json:"username" jsonschema:"username to delete"`
}

// ListRolesInput has no parameters.
type ListRolesInput struct{}

// RoleInput holds parameters for ums_assign_role and ums_remove_role.
type RoleInput struct {
	UserName string `json:"username" jsonschema:"username to change"`
	Role     string `json:"role" jsonschema:"role name"`
}

// ListServicesInput has no parameters.
type ListServicesInput struct{}

// RedirectInput holds parameters for ums_service_redirect.
type RedirectInput struct {
	ClientID string `json:"client_id" jsonschema:"client id of the service"`
}

// --- Output types ---

// SessionResult describes the console session.
type SessionResult struct {
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	Method        string `json:"method,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	Role          string `json:"role,omitempty"`
}

// DeleteUserResult confirms a deletion.
type DeleteUserResult struct {
	UserName string `json:"username"`
	Deleted  bool   `json:"deleted"`
}

// RolesResult lists assignable roles.
type RolesResult struct {
	TotalRoles int      `json:"total_roles"`
	Roles      []string `json:"roles"`
}

// RoleResult confirms a role change.
type RoleResult struct {
	UserName string `json:"username"`
	Role     string `json:"role"`
	Assigned bool   `json:"assigned"`
}

// ServiceEntry is one SSO-enabled service.
type ServiceEntry struct {
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	BaseURL     string `json:"base_url"`
	Category    string `json:"category,omitempty"`
	RedirectURL string `json:"redirect_url"`
}

// ServicesResult lists discovered services.
type ServicesResult struct {
	TotalServices int            `json:"total_services"`
	Services      []ServiceEntry `json:"services"`
}

// --- Handlers ---

func sessionHandler(s Session) mcp.ToolHandlerFor[SessionInput, *SessionResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ SessionInput) (*mcp.CallToolResult, *SessionResult, error) {
		ev := s.Current()

		result := &SessionResult{
			State:         ev.State.String(),
			Authenticated: ev.Authenticated,
			Method:        string(ev.Method),
		}
		if ev.User != nil {
			result.UserID = ev.User.UserID
			result.Name = ev.User.Name
			result.Email = ev.User.Email
			result.Role = ev.User.Role
		}

		return textResult(result), result, nil
	}
}

func listUsersHandler(u Users) mcp.ToolHandlerFor[ListUsersInput, *models.UserPage] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListUsersInput) (*mcp.CallToolResult, *models.UserPage, error) {
		page := max(input.Page, 1)

		size := input.PageSize
		if size <= 0 {
			size = defaultPageSize
		}

		size = min(size, maxPageSize)

		result, err := u.ListUsers(ctx, page, size)
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(result), result, nil
	}
}

func getUserHandler(u Users) mcp.ToolHandlerFor[GetUserInput, *models.User] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GetUserInput) (*mcp.CallToolResult, *models.User, error) {
		name := strings.TrimSpace(input.UserName)
		if name == "" {
			return nil, nil, fmt.Errorf("username is required")
		}

		result, err := u.GetUser(ctx, name)
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(result), result, nil
	}
}

func createUserHandler(u Users) mcp.ToolHandlerFor[CreateUserInput, *models.User] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CreateUserInput) (*mcp.CallToolResult, *models.User, error) {
		if strings.TrimSpace(input.Name) == "" || strings.TrimSpace(input.Email) == "" {
			return nil, nil, fmt.Errorf("name and email are required")
		}

		result, err := u.CreateUser(ctx, models.CreateUserRequest{
			Name:     strings.TrimSpace(input.Name),
			Email:    strings.TrimSpace(input.Email),
			Phone:    input.Phone,
			Location: input.Location,
			Role:     input.Role,
		})
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(result), result, nil
	}
}

func updateUserHandler(u Users) mcp.ToolHandlerFor[UpdateUserInput, *models.User] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UpdateUserInput) (*mcp.CallToolResult, *models.User, error) {
		name := strings.TrimSpace(input.UserName)
		if name == "" {
			return nil, nil, fmt.Errorf("username is required")
		}

		req := models.UpdateUserRequest{
			Name:     input.Name,
			Email:    input.Email,
			Phone:    input.Phone,
			Location: input.Location,
			Role:     input.Role,
			Status:   input.Status,
		}
		if req == (models.UpdateUserRequest{}) {
			return nil, nil, fmt.Errorf("at least one field to update is required")
		}

		result, err := u.UpdateUser(ctx, name, req)
		if err != nil {
			return nil, nil, toolError(err)
		}

		return textResult(result), result, nil
	}
}

func deleteUserHandler(u Users) mcp.ToolHandlerFor[DeleteUserInput, *DeleteUserResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteUserInput) (*mcp.CallToolResult, *DeleteUserResult, error) {
		name := strings.TrimSpace(input.UserName)
		if name == "" {
			return nil, nil, fmt.Errorf("username is required")
		}

		if err := u.DeleteUser(ctx, name); err != nil {
			return nil, nil, toolError(err)
		}

		result := &DeleteUserResult{UserName: name, Deleted: true}

		return textResult(result), result, nil
	}
}

func listRolesHandler(u Users) mcp.ToolHandlerFor[ListRolesInput, *RolesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListRolesInput) (*mcp.CallToolResult, *RolesResult, error) {
		roles, err := u.ListRoles(ctx)
		if err != nil {
			return nil, nil, toolError(err)
		}

		if roles == nil {
			roles = []string{}
		}

		result := &RolesResult{TotalRoles: len(roles), Roles: roles}

		return textResult(result), result, nil
	}
}

func assignRoleHandler(u Users) mcp.ToolHandlerFor[RoleInput, *RoleResult] {
	return roleHandler(u.AssignRole, true)
}

func removeRoleHandler(u Users) mcp.ToolHandlerFor[RoleInput, *RoleResult] {
	return roleHandler(u.RemoveRole, false)
}

func roleHandler(change func(ctx context.Context, userName, role string) error, assigned bool) mcp.ToolHandlerFor[RoleInput, *RoleResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RoleInput) (*mcp.CallToolResult, *RoleResult, error) {
		name := strings.TrimSpace(input.UserName)
		role := strings.TrimSpace(input.Role)

		if name == "" || role == "" {
			return nil, nil, fmt.Errorf("username and role are required")
		}

		if err := change(ctx, name, role); err != nil {
			return nil, nil, toolError(err)
		}

		result := &RoleResult{UserName: name, Role: role, Assigned: assigned}

		return textResult(result), result, nil
	}
}

func listServicesHandler(s Services) mcp.ToolHandlerFor[ListServicesInput, *ServicesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListServicesInput) (*mcp.CallToolResult, *ServicesResult, error) {
		infos, err := s.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("loading services: %w", err)
		}

		result := &ServicesResult{Services: make([]ServiceEntry, 0, len(infos))}
		for _, info := range infos {
			result.Services = append(result.Services, serviceEntry(info))
		}

		result.TotalServices = len(result.Services)

		return textResult(result), result, nil
	}
}

func redirectHandler(r Resolver) mcp.ToolHandlerFor[RedirectInput, *ServiceEntry] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RedirectInput) (*mcp.CallToolResult, *ServiceEntry, error) {
		if input.ClientID == "" {
			return nil, nil, fmt.Errorf("client_id is required")
		}

		info, err := r.Resolve(ctx, input.ClientID)
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := serviceEntry(*info)

		return textResult(result), &result, nil
	}
}

func serviceEntry(info models.SsoRedirectInfo) ServiceEntry {
	return ServiceEntry{
		ClientID:    info.Service.ClientID,
		Name:        info.Service.Name,
		BaseURL:     info.Service.BaseURL,
		Category:    info.Service.Category,
		RedirectURL: info.RedirectURL,
	}
}

// toolError replaces backend detail with the operator-facing message.
func toolError(err error) error {
	var se *sso.Error
	if errors.As(err, &se) {
		return errors.New(se.UserMessage())
	}

	return errors.New(umserr.UserMessage(err))
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/alexjbarnes/ums-client/internal/session"
	"github.com/alexjbarnes/ums-client/internal/sso"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUsers is an in-memory user directory.
type fakeUsers struct {
	mu     sync.Mutex
	users  map[string]models.User
	nextID int64
	err    error
	pages  [][2]int
	roles  []string
	grants map[string][]string
}

func newFakeUsers() *fakeUsers {
	f := &fakeUsers{
		users:  make(map[string]models.User),
		roles:  []string{"admin", "editor", "viewer"},
		grants: map[string][]string{"bob": {"editor"}},
	}
	for _, u := range []models.User{
		{UserName: "alice", FirstName: "Alice", LastName: "Smith", Email: "alice@example.com", Status: true},
		{UserName: "bob", FirstName: "Bob", LastName: "Jones", Email: "bob@example.com", Status: true},
		{UserName: "carol", FirstName: "Carol", Email: "carol@example.com"},
	} {
		f.nextID++
		u.ID = f.nextID
		f.users[u.UserName] = u
	}

	return f
}

func (f *fakeUsers) ListUsers(_ context.Context, page, pageSize int) (*models.UserPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pages = append(f.pages, [2]int{page, pageSize})
	if f.err != nil {
		return nil, f.err
	}

	names := make([]string, 0, len(f.users))
	for n := range f.users {
		names = append(names, n)
	}

	sort.Strings(names)

	out := &models.UserPage{Total: len(names), Page: page, PageSize: pageSize}

	start := (page - 1) * pageSize
	for i := start; i < len(names) && i < start+pageSize; i++ {
		out.Users = append(out.Users, f.users[names[i]])
	}

	return out, nil
}

func (f *fakeUsers) GetUser(_ context.Context, userName string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	u, ok := f.users[userName]
	if !ok {
		return nil, &umserr.StatusError{Endpoint: "/api/users/" + userName, StatusCode: 404}
	}

	return &u, nil
}

func (f *fakeUsers) CreateUser(_ context.Context, req models.CreateUserRequest) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	u := models.User{ID: f.nextID, UserName: req.Email, FirstName: req.Name, Email: req.Email, ContactNo: req.Phone, Address: req.Location, Status: true}
	f.users[u.UserName] = u

	return &u, nil
}

func (f *fakeUsers) UpdateUser(_ context.Context, userName string, req models.UpdateUserRequest) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[userName]
	if !ok {
		return nil, &umserr.StatusError{Endpoint: "/api/users/" + userName, StatusCode: 404}
	}

	if req.Name != nil {
		u.FirstName = *req.Name
	}

	if req.Email != nil {
		u.Email = *req.Email
	}

	if req.Status != nil {
		u.Status = *req.Status == "active"
	}

	f.users[userName] = u

	return &u, nil
}

func (f *fakeUsers) DeleteUser(_ context.Context, userName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.users[userName]; !ok {
		return &umserr.StatusError{Endpoint: "/api/users/" + userName, StatusCode: 404}
	}

	delete(f.users, userName)

	return nil
}

func (f *fakeUsers) ListRoles(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.roles, f.err
}

func (f *fakeUsers) AssignRole(_ context.Context, userName, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(f.roles, role) {
		return &umserr.StatusError{Endpoint: "/api/users/" + userName + "/roles", StatusCode: 400, Message: "Unknown role " + role}
	}

	f.grants[userName] = append(f.grants[userName], role)

	return nil
}

func (f *fakeUsers) RemoveRole(_ context.Context, userName, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.grants[userName] = slices.DeleteFunc(f.grants[userName], func(r string) bool { return r == role })

	return nil
}

type fakeSession struct{ ev session.Event }

func (f fakeSession) Current() session.Event { return f.ev }

type fakeServices struct {
	infos []models.SsoRedirectInfo
	err   error
}

func (f fakeServices) Load() ([]models.SsoRedirectInfo, error) { return f.infos, f.err }

func (f fakeServices) Resolve(_ context.Context, clientID string) (*models.SsoRedirectInfo, error) {
	for _, info := range f.infos {
		if info.Service.ClientID == clientID {
			return &info, nil
		}
	}

	return nil, &sso.Error{Code: sso.CodeNoEnabledServices, Stage: sso.StagePermittedServices, Err: fmt.Errorf("no service %s", clientID)}
}

var tradeAPI = models.SsoRedirectInfo{
	Service: models.PermittedService{
		ClientID: "trade-api",
		Name:     "Trade API",
		BaseURL:  "http://10.11.200.68:3000/sso",
		Category: "finance",
	},
	Token:       "tok-trade-api",
	RedirectURL: "http://10.11.200.68:3000/sso?token=tok-trade-api",
}

type harness struct {
	users    *fakeUsers
	session  *fakeSession
	services fakeServices
}

func newHarness() *harness {
	return &harness{
		users: newFakeUsers(),
		session: &fakeSession{ev: session.Event{
			State:         session.LoggedIn,
			Authenticated: true,
			Method:        models.AuthMethodAPI,
			User:          &models.SessionUser{UserID: "42", Name: "Alice Smith", Email: "alice@example.com", Role: "admin"},
		}},
		services: fakeServices{infos: []models.SsoRedirectInfo{tradeAPI}},
	}
}

// connect registers tools on an MCP server and returns a connected
// client session for calling them.
func (h *harness) connect(t *testing.T) *mcp.ClientSession {
	t.Helper()

	server := mcp.NewServer(
		&mcp.Implementation{Name: "ums-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, Deps{
		Users:    h.users,
		Session:  h.session,
		Services: h.services,
		Resolver: h.services,
	})

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	cs, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	return cs
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func errorText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

// --- ums_session ---

func TestSession_LoggedIn(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_session", nil)
	assert.False(t, result.IsError)

	var out SessionResult
	extractJSON(t, result, &out)
	assert.Equal(t, "logged_in", out.State)
	assert.True(t, out.Authenticated)
	assert.Equal(t, "api", out.Method)
	assert.Equal(t, "alice@example.com", out.Email)
	assert.Equal(t, "admin", out.Role)
}

func TestSession_LoggedOut(t *testing.T) {
	h := newHarness()
	h.session.ev = session.Event{State: session.LoggedOut}
	cs := h.connect(t)

	var out SessionResult
	extractJSON(t, callTool(t, cs, "ums_session", nil), &out)
	assert.Equal(t, "logged_out", out.State)
	assert.False(t, out.Authenticated)
	assert.Empty(t, out.UserID)
}

// --- ums_list_users ---

func TestListUsers_Defaults(t *testing.T) {
	h := newHarness()
	cs := h.connect(t)
	result := callTool(t, cs, "ums_list_users", nil)
	assert.False(t, result.IsError)

	var out models.UserPage
	extractJSON(t, result, &out)
	assert.Equal(t, 3, out.Total)
	require.Len(t, out.Users, 3)
	assert.Equal(t, "alice", out.Users[0].UserName)
	assert.Equal(t, [][2]int{{1, defaultPageSize}}, h.users.pages)
}

func TestListUsers_ClampsPageSize(t *testing.T) {
	h := newHarness()
	cs := h.connect(t)
	callTool(t, cs, "ums_list_users", map[string]any{"page": 2, "page_size": 1000})
	assert.Equal(t, [][2]int{{2, maxPageSize}}, h.users.pages)
}

func TestListUsers_Pagination(t *testing.T) {
	cs := newHarness().connect(t)

	var out models.UserPage
	extractJSON(t, callTool(t, cs, "ums_list_users", map[string]any{"page": 2, "page_size": 2}), &out)
	require.Len(t, out.Users, 1)
	assert.Equal(t, "carol", out.Users[0].UserName)
}

func TestListUsers_BackendErrorUsesUserMessage(t *testing.T) {
	h := newHarness()
	h.users.err = &umserr.StatusError{Endpoint: "/api/users", StatusCode: 503}
	cs := h.connect(t)

	result := callTool(t, cs, "ums_list_users", nil)
	msg := errorText(t, result)
	assert.Contains(t, msg, "Network connection error")
	assert.NotContains(t, msg, "503")
}

// --- ums_get_user ---

func TestGetUser(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_get_user", map[string]any{"username": "bob"})
	assert.False(t, result.IsError)

	var out models.User
	extractJSON(t, result, &out)
	assert.Equal(t, "Bob Jones", out.FullName())
}

func TestGetUser_NotFound(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_get_user", map[string]any{"username": "mallory"})
	assert.Contains(t, errorText(t, result), "Resource not found.")
}

func TestGetUser_RequiresUsername(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_get_user", map[string]any{"username": "  "})
	assert.Contains(t, errorText(t, result), "username is required")
}

// --- ums_create_user ---

func TestCreateUser(t *testing.T) {
	h := newHarness()
	cs := h.connect(t)
	result := callTool(t, cs, "ums_create_user", map[string]any{
		"name":  " Dave ",
		"email": "dave@example.com",
		"phone": "555-0100",
	})
	assert.False(t, result.IsError)

	var out models.User
	extractJSON(t, result, &out)
	assert.Equal(t, "Dave", out.FirstName)
	assert.Equal(t, "555-0100", out.ContactNo)
	assert.Contains(t, h.users.users, "dave@example.com")
}

func TestCreateUser_RequiresNameAndEmail(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_create_user", map[string]any{"name": "Dave", "email": ""})
	assert.Contains(t, errorText(t, result), "name and email are required")
}

// --- ums_update_user ---

func TestUpdateUser_PartialFields(t *testing.T) {
	h := newHarness()
	cs := h.connect(t)
	result := callTool(t, cs, "ums_update_user", map[string]any{"username": "carol", "status": "active"})
	assert.False(t, result.IsError)

	var out models.User
	extractJSON(t, result, &out)
	assert.True(t, out.Status)
	assert.Equal(t, "Carol", out.FirstName, "omitted fields are unchanged")
	assert.Equal(t, "carol@example.com", out.Email)
}

func TestUpdateUser_NoFields(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_update_user", map[string]any{"username": "carol"})
	assert.Contains(t, errorText(t, result), "at least one field")
}

// --- ums_delete_user ---

func TestDeleteUser(t *testing.T) {
	h := newHarness()
	cs := h.connect(t)
	result := callTool(t, cs, "ums_delete_user", map[string]any{"username": "carol"})
	assert.False(t, result.IsError)

	var out DeleteUserResult
	extractJSON(t, result, &out)
	assert.True(t, out.Deleted)
	assert.Equal(t, "carol", out.UserName)
	assert.NotContains(t, h.users.users, "carol")
}

func TestDeleteUser_NotFound(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_delete_user", map[string]any{"username": "mallory"})
	assert.Contains(t, errorText(t, result), "Resource not found.")
}

func TestDeleteUser_RequiresUsername(t *testing.T) {
	h := newHarness()
	cs := h.connect(t)
	result := callTool(t, cs, "ums_delete_user", map[string]any{"username": ""})
	assert.Contains(t, errorText(t, result), "username is required")
	assert.Len(t, h.users.users, 3)
}

// --- roles ---

func TestListRoles(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_list_roles", nil)
	assert.False(t, result.IsError)

	var out RolesResult
	extractJSON(t, result, &out)
	assert.Equal(t, 3, out.TotalRoles)
	assert.Equal(t, []string{"admin", "editor", "viewer"}, out.Roles)
}

func TestListRoles_Empty(t *testing.T) {
	h := newHarness()
	h.users.roles = nil
	cs := h.connect(t)

	var out RolesResult
	extractJSON(t, callTool(t, cs, "ums_list_roles", nil), &out)
	assert.Equal(t, 0, out.TotalRoles)
	assert.NotNil(t, out.Roles)
}

func TestAssignRole(t *testing.T) {
	h := newHarness()
	cs := h.connect(t)
	result := callTool(t, cs, "ums_assign_role", map[string]any{"username": "alice", "role": " admin "})
	assert.False(t, result.IsError)

	var out RoleResult
	extractJSON(t, result, &out)
	assert.True(t, out.Assigned)
	assert.Equal(t, "admin", out.Role)
	assert.Equal(t, []string{"admin"}, h.users.grants["alice"])
}

func TestAssignRole_UnknownRoleShowsBackendMessage(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_assign_role", map[string]any{"username": "alice", "role": "root"})
	assert.Equal(t, "Unknown role root", errorText(t, result))
}

func TestRemoveRole(t *testing.T) {
	h := newHarness()
	cs := h.connect(t)
	result := callTool(t, cs, "ums_remove_role", map[string]any{"username": "bob", "role": "editor"})
	assert.False(t, result.IsError)

	var out RoleResult
	extractJSON(t, result, &out)
	assert.False(t, out.Assigned)
	assert.Empty(t, h.users.grants["bob"])
}

func TestRemoveRole_RequiresRole(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_remove_role", map[string]any{"username": "bob"})
	assert.Contains(t, errorText(t, result), "username and role are required")
}

// --- ums_list_services ---

func TestListServices(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_list_services", nil)
	assert.False(t, result.IsError)

	var out ServicesResult
	extractJSON(t, result, &out)
	require.Equal(t, 1, out.TotalServices)
	assert.Equal(t, "trade-api", out.Services[0].ClientID)
	assert.Equal(t, "http://10.11.200.68:3000/sso?token=tok-trade-api", out.Services[0].RedirectURL)
}

func TestListServices_Empty(t *testing.T) {
	h := newHarness()
	h.services = fakeServices{}
	cs := h.connect(t)

	var out ServicesResult
	extractJSON(t, callTool(t, cs, "ums_list_services", nil), &out)
	assert.Equal(t, 0, out.TotalServices)
	assert.NotNil(t, out.Services)
}

// --- ums_service_redirect ---

func TestServiceRedirect(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_service_redirect", map[string]any{"client_id": "trade-api"})
	assert.False(t, result.IsError)

	var out ServiceEntry
	extractJSON(t, result, &out)
	assert.Equal(t, "Trade API", out.Name)
	assert.Equal(t, tradeAPI.RedirectURL, out.RedirectURL)
}

func TestServiceRedirect_UnknownUsesSSOMessage(t *testing.T) {
	cs := newHarness().connect(t)
	result := callTool(t, cs, "ums_service_redirect", map[string]any{"client_id": "nope"})
	assert.Equal(t, sso.CodeNoEnabledServices.UserMessage(), errorText(t, result))
}

// Package cli implements umsctl, the command-line client for the UMS
// backend.
package cli

import (
	"bufio"
	"context"
	"errors"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/idp"
	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/alexjbarnes/ums-client/internal/session"
	"github.com/alexjbarnes/ums-client/internal/sso"
	"github.com/alexjbarnes/ums-client/internal/tokenstore"
	"github.com/spf13/cobra"
)

// Session is the part of the session coordinator the commands drive.
type Session interface {
	Resume(ctx context.Context) error
	Login(ctx context.Context, identifier, password string) error
	Logout(ctx context.Context) (string, error)
	BeginSSO(ctx context.Context) (*idp.LoginRequest, error)
	CompleteSSO(ctx context.Context, code, state string) error
	ChangePassword(ctx context.Context, current, next string) error
	Current() session.Event
}

var _ Session = (*session.Coordinator)(nil)

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

// Services reads the cached SSO redirect targets.
type Services interface {
	Load() ([]models.SsoRedirectInfo, error)
}

// Discoverer refreshes SSO redirect targets from the backend.
type Discoverer interface {
	Discover(ctx context.Context) ([]models.SsoRedirectInfo, error)
	Resolve(ctx context.Context, clientID string) (*models.SsoRedirectInfo, error)
}

// Tokens exposes token diagnostics.
type Tokens interface {
	Info() tokenstore.Info
}

// Deps are the collaborators the commands use.
type Deps struct {
	Session    Session
	Users      Users
	Services   Services
	Discoverer Discoverer
	Tokens     Tokens
	// SSORedirectURL is where the identity provider sends the browser
	// after an SSO login. Empty when SSO is not configured.
	SSORedirectURL string
}

// Loader builds the dependencies once flags are parsed. The returned
// function releases them.
type Loader func(ctx context.Context) (*Deps, func(), error)

type cli struct {
	load    Loader
	deps    *Deps
	closeFn func()
	p       *printer
	stdin   *bufio.Reader

	output  string
	noColor bool
}

// NewRootCmd returns the umsctl command tree. Dependencies loaded by a
// run are released by Execute.
func NewRootCmd(load Loader, version string) *cobra.Command {
	root, _ := newRoot(load, version)
	return root
}

func newRoot(load Loader, version string) (*cobra.Command, *cli) {
	c := &cli{load: load}

	root := &cobra.Command{
		Use:   "umsctl",
		Short: "UMS command-line client",
		Long: `umsctl signs in to the UMS backend, manages users and opens
SSO-enabled services.

Example usage:
  umsctl login                 # Sign in with username and password
  umsctl login --sso           # Sign in through the identity provider
  umsctl whoami                # Show the current session
  umsctl services              # List services available for SSO
  umsctl users list            # List users`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := validFormat(c.output); err != nil {
				return err
			}

			c.p = &printer{
				out:       cmd.OutOrStdout(),
				err:       cmd.ErrOrStderr(),
				format:    c.output,
				useColors: resolveColors(c.noColor, c.output),
			}

			deps, closeFn, err := c.load(cmd.Context())
			if err != nil {
				return err
			}

			c.deps = deps
			c.closeFn = closeFn

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&c.output, "output", "o", FormatTable, "output format: table, json, or yaml")
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.passwdCmd(),
		c.servicesCmd(),
		c.redirectCmd(),
		c.usersCmd(),
		c.rolesCmd(),
	)

	return root, c
}

// Execute runs umsctl with args and releases its dependencies. Errors
// come back as operator-facing messages.
func Execute(ctx context.Context, load Loader, version string, args []string) error {
	root, c := newRoot(load, version)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	c.close()

	if err != nil {
		return errors.New(userMessage(err))
	}

	return nil
}

func (c *cli) close() {
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
	}
}

// stdinFrom binds the shared line reader to the command's input once,
// so buffered input is not lost between prompts.
func (c *cli) stdinFrom(cmd *cobra.Command) {
	if c.stdin == nil {
		c.stdin = bufio.NewReader(cmd.InOrStdin())
	}
}

// requireSession resumes the stored session, refreshing it if needed.
func (c *cli) requireSession(ctx context.Context) error {
	return c.deps.Session.Resume(ctx)
}

// userMessage maps errors to the text shown to the operator.
func userMessage(err error) string {
	var se *sso.Error
	if errors.As(err, &se) {
		return se.UserMessage()
	}

	if errors.Is(err, umserr.ErrServiceNotFound) {
		return err.Error()
	}

	switch umserr.KindOf(err) {
	case umserr.KindUnauthorized:
		return "not logged in, run 'umsctl login' first"
	case umserr.KindUnknown:
		return err.Error()
	}

	return umserr.UserMessage(err)
}

package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/alexjbarnes/ums-client/internal/tokenstore"
	"github.com/spf13/cobra"
)

type whoami struct {
	State         string              `json:"state" yaml:"state"`
	Authenticated bool                `json:"authenticated" yaml:"authenticated"`
	Method        string              `json:"method,omitempty" yaml:"method,omitempty"`
	User          *models.SessionUser `json:"user,omitempty" yaml:"user,omitempty"`
	Token         tokenstore.Info     `json:"token" yaml:"token"`
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A session that cannot be resumed is reported, not failed.
			if err := c.requireSession(cmd.Context()); err != nil && !errors.Is(err, umserr.ErrNotAuthenticated) {
				return err
			}

			ev := c.deps.Session.Current()
			view := whoami{
				State:         ev.State.String(),
				Authenticated: ev.Authenticated,
				Method:        string(ev.Method),
				User:          ev.User,
				Token:         c.deps.Tokens.Info(),
			}

			if ok, err := c.p.structured(view); ok {
				return err
			}

			if !view.Authenticated {
				c.p.warning("Not logged in")
				return nil
			}

			rows := [][]string{
				{"State", view.State},
				{"Method", view.Method},
			}

			if u := view.User; u != nil {
				rows = append(rows,
					[]string{"User ID", u.UserID},
					[]string{"Name", u.Name},
					[]string{"Email", u.Email},
				)

				if u.Role != "" {
					rows = append(rows, []string{"Role", u.Role})
				}
			}

			rows = append(rows,
				[]string{"Token", view.Token.AccessToken},
				[]string{"Expires", view.Token.ExpiresAt.Local().Format(time.RFC3339)},
				[]string{"Remaining", view.Token.Remaining.String()},
				[]string{"Refreshable", yesNo(view.Token.HasRefreshToken)},
			)

			return c.p.table([]string{"Field", "Value"}, rows)
		},
	}
}

func (c *cli) servicesCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "services",
		Short: "List services available through SSO",
		Long: `List the services the signed-in user can open through SSO.

Results come from the cache written after login. Use --refresh to fetch
permitted services and tokens from the backend again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			infos, err := c.deps.Services.Load()
			if err != nil {
				return err
			}

			if refresh || len(infos) == 0 {
				infos, err = c.deps.Discoverer.Discover(cmd.Context())
				if err != nil {
					return err
				}
			}

			if ok, err := c.p.structured(infos); ok {
				return err
			}

			if len(infos) == 0 {
				c.p.info("No services available")
				return nil
			}

			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				s := info.Service
				rows = append(rows, []string{s.ClientID, s.Name, s.Category, s.BaseURL})
			}

			return c.p.table([]string{"Client ID", "Name", "Category", "URL"}, rows)
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch services from the backend instead of the cache")

	return cmd
}

func (c *cli) redirectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redirect <client-id>",
		Short: "Print the SSO redirect URL for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			clientID := strings.TrimSpace(args[0])

			info, err := c.deps.Discoverer.Resolve(cmd.Context(), clientID)
			if err != nil {
				return err
			}

			if ok, err := c.p.structured(map[string]string{
				"clientId":    info.Service.ClientID,
				"redirectUrl": info.RedirectURL,
			}); ok {
				return err
			}

			fmt.Fprintln(c.p.out, info.RedirectURL)

			return nil
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}

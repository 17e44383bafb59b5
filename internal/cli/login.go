package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// ssoTimeout bounds how long login --sso waits for the browser callback.
const ssoTimeout = 5 * time.Minute

func (c *cli) loginCmd() *cobra.Command {
	var (
		username      string
		passwordStdin bool
		useSSO        bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the UMS backend",
		Long: `Sign in with a username or email and password, or through the
identity provider with --sso.

With --sso a one-shot listener is started on the configured redirect
URL and the sign-in URL is printed for the browser.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.stdinFrom(cmd)

			if useSSO {
				return c.loginSSO(cmd.Context())
			}

			if username == "" {
				u, err := c.prompt(cmd, "Username or email: ")
				if err != nil {
					return err
				}

				username = u
			}

			var (
				password string
				err      error
			)

			if passwordStdin {
				password, err = c.readLine()
			} else {
				password, err = c.promptSecret(cmd, "Password: ")
			}

			if err != nil {
				return err
			}

			if err := c.deps.Session.Login(cmd.Context(), username, password); err != nil {
				return err
			}

			ev := c.deps.Session.Current()
			name := username

			if ev.User != nil && ev.User.Name != "" {
				name = ev.User.Name
			}

			c.p.success("Logged in as %s", c.p.bold(name))

			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "username or email")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().BoolVar(&useSSO, "sso", false, "sign in through the identity provider")
	cmd.MarkFlagsMutuallyExclusive("sso", "username")
	cmd.MarkFlagsMutuallyExclusive("sso", "password-stdin")

	return cmd
}

// loginSSO serves the redirect URL on loopback until the identity
// provider calls back or the wait times out.
func (c *cli) loginSSO(ctx context.Context) error {
	if c.deps.SSORedirectURL == "" {
		return umserr.ErrSSODisabled
	}

	redirect, err := url.Parse(c.deps.SSORedirectURL)
	if err != nil {
		return fmt.Errorf("parsing sso redirect url: %w", err)
	}

	if !isLoopback(redirect.Hostname()) {
		return fmt.Errorf("sso redirect url %s is not a loopback address", redirect.Redacted())
	}

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("listening for sso callback: %w", err)
	}

	req, err := c.deps.Session.BeginSSO(ctx)
	if err != nil {
		ln.Close()
		return err
	}

	done := make(chan error, 1)
	path := redirect.Path

	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		err := c.completeSSO(r)
		if err != nil {
			http.Error(w, "Sign-in failed. Return to the terminal for details.", http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Signed in. You can close this window.")
		}

		select {
		case done <- err:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() { _ = srv.Serve(ln) }()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	c.p.info("Open this URL in your browser to sign in:")
	fmt.Fprintf(c.p.out, "  %s\n", req.URL)

	waitCtx, cancel := context.WithTimeout(ctx, ssoTimeout)
	defer cancel()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-waitCtx.Done():
		return fmt.Errorf("waiting for sso callback: %w", waitCtx.Err())
	}

	name := "SSO user"
	if ev := c.deps.Session.Current(); ev.User != nil && ev.User.Name != "" {
		name = ev.User.Name
	}

	c.p.success("Logged in as %s", c.p.bold(name))

	return nil
}

func (c *cli) completeSSO(r *http.Request) error {
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		if d := q.Get("error_description"); d != "" {
			return fmt.Errorf("identity provider: %s: %s", e, d)
		}

		return fmt.Errorf("identity provider: %s", e)
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		return errors.New("sso callback is missing code or state")
	}

	return c.deps.Session.CompleteSSO(r.Context(), code, state)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			redirect, err := c.deps.Session.Logout(cmd.Context())
			if err != nil {
				return err
			}

			c.p.success("Logged out")

			if redirect != "" {
				c.p.info("Finish signing out of the identity provider:")
				fmt.Fprintf(c.p.out, "  %s\n", redirect)
			}

			return nil
		},
	}
}

func (c *cli) passwdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the signed-in user's password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.stdinFrom(cmd)

			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			current, err := c.promptSecret(cmd, "Current password: ")
			if err != nil {
				return err
			}

			next, err := c.promptSecret(cmd, "New password: ")
			if err != nil {
				return err
			}

			confirm, err := c.promptSecret(cmd, "Confirm new password: ")
			if err != nil {
				return err
			}

			if next != confirm {
				return errors.New("passwords do not match")
			}

			if err := c.deps.Session.ChangePassword(cmd.Context(), current, next); err != nil {
				return err
			}

			c.p.success("Password changed")

			return nil
		},
	}
}

// --- Prompts ---

func (c *cli) prompt(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)

	line, err := c.readLine()
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(line), nil
}

// confirm asks a yes/no question. Anything but y or yes is a no.
func (c *cli) confirm(cmd *cobra.Command, label string) (bool, error) {
	answer, err := c.prompt(cmd, label)
	if err != nil {
		return false, err
	}

	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// promptSecret reads without echo from a terminal and falls back to a
// plain line read for pipes.
func (c *cli) promptSecret(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(b), nil
	}

	return c.readLine()
}

func (c *cli) readLine() (string, error) {
	line, err := c.stdin.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("reading input: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

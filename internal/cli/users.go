package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/alexjbarnes/ums-client/internal/models"
	"github.com/spf13/cobra"
)

const maxPageSize = 100

func (c *cli) usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users in the directory",
	}

	cmd.AddCommand(
		c.usersListCmd(),
		c.usersGetCmd(),
		c.usersCreateCmd(),
		c.usersUpdateCmd(),
		c.usersDeleteCmd(),
	)

	return cmd
}

func (c *cli) usersListCmd() *cobra.Command {
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if page < 1 {
				return fmt.Errorf("invalid page %d: must be at least 1", page)
			}

			if pageSize < 1 || pageSize > maxPageSize {
				return fmt.Errorf("invalid page size %d: must be between 1 and %d", pageSize, maxPageSize)
			}

			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			res, err := c.deps.Users.ListUsers(cmd.Context(), page, pageSize)
			if err != nil {
				return err
			}

			if ok, err := c.p.structured(res); ok {
				return err
			}

			if len(res.Users) == 0 {
				c.p.info("No users found")
				return nil
			}

			rows := make([][]string, 0, len(res.Users))
			for _, u := range res.Users {
				rows = append(rows, []string{
					strconv.FormatInt(u.ID, 10),
					u.UserName,
					u.FullName(),
					u.Email,
					c.p.status(u.Status),
				})
			}

			if err := c.p.table([]string{"ID", "Username", "Name", "Email", "Status"}, rows); err != nil {
				return err
			}

			fmt.Fprintf(c.p.out, "\nPage %d, %d of %d users\n", res.Page, len(res.Users), res.Total)

			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "users per page")

	return cmd
}

func (c *cli) usersGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <username>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			u, err := c.deps.Users.GetUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return c.showUser(u)
		},
	}
}

func (c *cli) usersCreateCmd() *cobra.Command {
	var req models.CreateUserRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Name == "" || req.Email == "" {
				return errors.New("--name and --email are required")
			}

			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			u, err := c.deps.Users.CreateUser(cmd.Context(), req)
			if err != nil {
				return err
			}

			if c.p.format == FormatTable {
				c.p.success("Created user %s", c.p.bold(u.UserName))
			}

			return c.showUser(u)
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "full name")
	cmd.Flags().StringVar(&req.Email, "email", "", "email address")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&req.Location, "location", "", "location")
	cmd.Flags().StringVar(&req.Role, "role", "", "role")

	return cmd
}

func (c *cli) usersUpdateCmd() *cobra.Command {
	var name, email, phone, location, role, status string

	cmd := &cobra.Command{
		Use:   "update <username>",
		Short: "Update a user",
		Long:  "Update a user. Only the flags given are sent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req models.UpdateUserRequest

			flags := cmd.Flags()
			set := func(flag string, v *string, dst **string) {
				if flags.Changed(flag) {
					*dst = v
				}
			}

			set("name", &name, &req.Name)
			set("email", &email, &req.Email)
			set("phone", &phone, &req.Phone)
			set("location", &location, &req.Location)
			set("role", &role, &req.Role)
			set("status", &status, &req.Status)

			if req == (models.UpdateUserRequest{}) {
				return errors.New("nothing to update: pass at least one field flag")
			}

			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			u, err := c.deps.Users.UpdateUser(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}

			if c.p.format == FormatTable {
				c.p.success("Updated user %s", c.p.bold(u.UserName))
			}

			return c.showUser(u)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&status, "status", "", "account status")

	return cmd
}

func (c *cli) usersDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user",
		Long:  "Delete a user. Asks for confirmation unless --yes is given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userName := args[0]

			if !yes {
				c.stdinFrom(cmd)

				ok, err := c.confirm(cmd, fmt.Sprintf("Delete user %s? [y/N]: ", userName))
				if err != nil {
					return err
				}

				if !ok {
					c.p.info("Aborted")
					return nil
				}
			}

			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			if err := c.deps.Users.DeleteUser(cmd.Context(), userName); err != nil {
				return err
			}

			c.p.success("Deleted user %s", c.p.bold(userName))

			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}

func (c *cli) showUser(u *models.User) error {
	if ok, err := c.p.structured(u); ok {
		return err
	}

	rows := [][]string{
		{"ID", strconv.FormatInt(u.ID, 10)},
		{"Username", u.UserName},
		{"Name", u.FullName()},
		{"Email", u.Email},
		{"Status", c.p.status(u.Status)},
	}

	if u.ContactNo != "" {
		rows = append(rows, []string{"Phone", u.ContactNo})
	}

	if u.Address != "" {
		rows = append(rows, []string{"Address", u.Address})
	}

	return c.p.table([]string{"Field", "Value"}, rows)
}

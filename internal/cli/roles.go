package cli

import (
	"github.com/spf13/cobra"
)

func (c *cli) rolesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "List roles and manage role assignments",
	}

	cmd.AddCommand(
		c.rolesListCmd(),
		c.rolesAssignCmd(),
		c.rolesRemoveCmd(),
	)

	return cmd
}

func (c *cli) rolesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the roles users can be given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			roles, err := c.deps.Users.ListRoles(cmd.Context())
			if err != nil {
				return err
			}

			if ok, err := c.p.structured(roles); ok {
				return err
			}

			if len(roles) == 0 {
				c.p.info("No roles defined")
				return nil
			}

			rows := make([][]string, 0, len(roles))
			for _, r := range roles {
				rows = append(rows, []string{r})
			}

			return c.p.table([]string{"Role"}, rows)
		},
	}
}

func (c *cli) rolesAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <username> <role>",
		Short: "Give a user a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			if err := c.deps.Users.AssignRole(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}

			c.p.success("Assigned %s to %s", c.p.bold(args[1]), c.p.bold(args[0]))

			return nil
		},
	}
}

func (c *cli) rolesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <username> <role>",
		Short: "Take a role away from a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireSession(cmd.Context()); err != nil {
				return err
			}

			if err := c.deps.Users.RemoveRole(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}

			c.p.success("Removed %s from %s", c.p.bold(args[1]), c.p.bold(args[0]))

			return nil
		},
	}
}

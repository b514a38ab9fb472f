package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cocktail-auth/internal/agentclient"
	"cocktail-auth/internal/config"
	"cocktail-auth/internal/domain"
	ws "cocktail-auth/internal/websocket"
)

type globalOptions struct {
	agentURL string
	jsonOut  bool
	timeout  time.Duration
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "cocktailctl",
		Short:         "Manage the cocktail session from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.agentURL, "agent", "", "Session agent URL (default $AGENT_URL or http://localhost:8090)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Print raw JSON")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	cmd.AddCommand(
		loginCmd(opts),
		logoutCmd(opts),
		whoamiCmd(opts),
		statusCmd(opts),
		profileCmd(opts),
		registerCmd(opts),
		watchCmd(opts),
	)
	return cmd
}

func (o *globalOptions) client() (*agentclient.Client, error) {
	url := o.agentURL
	if url == "" {
		cfg, err := config.LoadE()
		if err != nil {
			return nil, err
		}
		url = cfg.AgentURL
	}
	return agentclient.New(url)
}

func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func loginCmd(opts *globalOptions) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("COCKTAIL_PASSWORD")
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			identity, err := client.Login(ctx, email, password)
			if err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), opts, identity, "Signed in as")
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password (default $COCKTAIL_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the cached identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if err := client.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

func whoamiCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			state, err := client.State(ctx)
			if err != nil {
				return err
			}
			if state.User == nil && !opts.jsonOut {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
				return nil
			}
			return printIdentity(cmd.OutOrStdout(), opts, state.User, "")
		},
	}
}

func statusCmd(opts *globalOptions) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			var state *agentclient.State
			if check {
				state, err = client.Check(ctx)
			} else {
				state, err = client.State(ctx)
			}
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), opts, state)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Confirm the identity with the server first")
	return cmd
}

func profileCmd(opts *globalOptions) *cobra.Command {
	var name, email, password, confirmation string

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update the signed-in user's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			var update domain.ProfileUpdate
			if cmd.Flags().Changed("name") {
				update.Name = &name
			}
			if cmd.Flags().Changed("email") {
				update.Email = &email
			}
			if cmd.Flags().Changed("password") {
				update.Password = &password
				if !cmd.Flags().Changed("password-confirmation") {
					confirmation = password
				}
				update.PasswordConfirmation = &confirmation
			}
			if update == (domain.ProfileUpdate{}) {
				return errors.New("nothing to update: pass --name, --email or --password")
			}

			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			identity, err := client.UpdateProfile(ctx, update)
			if err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), opts, identity, "Profile updated:")
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New display name")
	cmd.Flags().StringVar(&email, "email", "", "New email")
	cmd.Flags().StringVar(&password, "password", "", "New password")
	cmd.Flags().StringVar(&confirmation, "password-confirmation", "", "Password confirmation (defaults to --password)")
	return cmd
}

func registerCmd(opts *globalOptions) *cobra.Command {
	var reg domain.Registration

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reg.PasswordConfirmation == "" {
				reg.PasswordConfirmation = reg.Password
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			identity, err := client.Register(ctx, reg)
			if err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), opts, identity, "Registered")
		},
	}

	cmd.Flags().StringVar(&reg.Name, "name", "", "Display name")
	cmd.Flags().StringVarP(&reg.Email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&reg.Password, "password", "p", "", "Account password")
	cmd.Flags().StringVar(&reg.PasswordConfirmation, "password-confirmation", "", "Password confirmation (defaults to --password)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func watchCmd(opts *globalOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow identity changes and redirects until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			return client.Watch(ctx, path, func(msg ws.ServerMessage) {
				printMessage(out, opts, msg)
			})
		},
	}

	cmd.Flags().StringVar(&path, "path", "/", "Route the watcher reports as its current location")
	return cmd
}

func printIdentity(w io.Writer, opts *globalOptions, identity *domain.Identity, prefix string) error {
	if opts.jsonOut {
		return writeJSON(w, identity)
	}
	if prefix != "" {
		fmt.Fprintf(w, "%s %s <%s>\n", prefix, identity.Name, identity.Email)
	} else {
		fmt.Fprintf(w, "%s <%s>\n", identity.Name, identity.Email)
	}
	fmt.Fprintf(w, "  id:     %s\n  role:   %s\n", identity.ID, identity.Role)
	if identity.Banned {
		fmt.Fprintln(w, "  status: suspended")
	}
	return nil
}

func printState(w io.Writer, opts *globalOptions, state *agentclient.State) error {
	if opts.jsonOut {
		return writeJSON(w, state)
	}
	fmt.Fprintf(w, "phase:     %s\n", state.Phase)
	if state.User != nil {
		fmt.Fprintf(w, "user:      %s <%s>\n", state.User.Name, state.User.Email)
	}
	if state.ConfirmedAt != nil {
		fmt.Fprintf(w, "confirmed: %s\n", state.ConfirmedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func printMessage(w io.Writer, opts *globalOptions, msg ws.ServerMessage) {
	if opts.jsonOut {
		_ = writeJSON(w, msg)
		return
	}
	switch msg.Type {
	case ws.TypeIdentity:
		if msg.User == nil {
			fmt.Fprintln(w, "identity: signed out")
			return
		}
		status := "active"
		if msg.User.Banned {
			status = "suspended"
		}
		fmt.Fprintf(w, "identity: %s <%s> (%s)\n", msg.User.Name, msg.User.Email, status)
	case ws.TypeRedirect:
		fmt.Fprintf(w, "redirect: %s\n", msg.Path)
	default:
		fmt.Fprintf(w, "%s: %s\n", msg.Type, msg.Message)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/livechat-connect/internal/app"
	"github.com/vovakirdan/livechat-connect/internal/auth"
	"github.com/vovakirdan/livechat-connect/internal/config"
	"github.com/vovakirdan/livechat-connect/internal/log"
	"github.com/vovakirdan/livechat-connect/internal/tasks"
)

type cli struct {
	configPath string
	cfg        config.Config
	log        *zerolog.Logger
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "connect",
		Short:         "Bridge messaging channels to a livechat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to config.yaml")

	root.AddCommand(
		c.serveCmd(),
		c.maintenanceCmd(),
		c.alertStaleRoomsCmd(),
		c.webhookOpenRoomsCmd(),
		c.intakeUnreadCmd(),
		c.tokenCmd(),
	)
	return root
}

func (c *cli) load() error {
	bootstrap := log.New("info", "console")
	cfg, path, err := config.Load(bootstrap, c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = log.New(cfg.Log.Level, cfg.Log.Format)
	c.log.Debug().Str("config", path).Msg("configuration loaded")
	return nil
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and periodic maintenance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Addr = addr
			}
			application, err := app.New(cmd.Context(), &c.cfg, c.log)
			if err != nil {
				return err
			}
			c.log.Info().Int("connectors", len(c.cfg.Connectors)).Msg("starting connect")
			if err := application.Run(cmd.Context()); err != nil {
				return fmt.Errorf("server exited with error: %w", err)
			}
			c.log.Info().Msg("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	return cmd
}

// oneShot builds the app, runs job through the runner's retry policy and prints its result.
func (c *cli) oneShot(ctx context.Context, name string, job func(ctx context.Context, m *tasks.Maintenance) (any, error)) error {
	application, err := app.New(ctx, &c.cfg, c.log)
	if err != nil {
		return err
	}
	defer application.Close()

	var result any
	err = application.Runner().Invoke(ctx, name, func(ctx context.Context) error {
		var jobErr error
		result, jobErr = job(ctx, application.Maintenance())
		return jobErr
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func (c *cli) maintenanceCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Close local rooms the livechat backend no longer lists as open",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.oneShot(cmd.Context(), "room_sync:"+server, func(ctx context.Context, m *tasks.Maintenance) (any, error) {
				res, err := m.SyncRooms(ctx, server)
				return map[string]any{"room_sync": res}, err
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server id")
	_ = cmd.MarkFlagRequired("server")
	return cmd
}

func (c *cli) alertStaleRoomsCmd() *cobra.Command {
	var (
		server, target, template string
		seconds                  int
	)
	cmd := &cobra.Command{
		Use:   "alert-stale-rooms",
		Short: "Alert targets about open rooms with no recent message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.oneShot(cmd.Context(), "alert_stale_rooms:"+server, func(ctx context.Context, m *tasks.Maintenance) (any, error) {
				return m.AlertStaleRooms(ctx, server, seconds, target, template)
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server id")
	cmd.Flags().IntVar(&seconds, "seconds", 3600, "minimum age of the last message")
	cmd.Flags().StringVar(&target, "target", "", "comma separated #channels or usernames")
	cmd.Flags().StringVar(&template, "template", "", "notification template")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func (c *cli) webhookOpenRoomsCmd() *cobra.Command {
	var server, endpoint string
	cmd := &cobra.Command{
		Use:   "webhook-open-rooms",
		Short: "POST the open rooms of a server to an endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.oneShot(cmd.Context(), "webhook_open_rooms:"+server, func(ctx context.Context, m *tasks.Maintenance) (any, error) {
				ok, err := m.WebhookOpenRooms(ctx, server, endpoint)
				return map[string]bool{"ok": ok}, err
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server id")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "URL receiving the payload")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func (c *cli) intakeUnreadCmd() *cobra.Command {
	var connector string
	cmd := &cobra.Command{
		Use:   "intake-unread",
		Short: "Pull unread channel messages and relay them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.oneShot(cmd.Context(), "intake_unread:"+connector, func(ctx context.Context, m *tasks.Maintenance) (any, error) {
				n, err := m.IntakeUnread(ctx, connector)
				return map[string]int{"processed": n}, err
			})
		},
	}
	cmd.Flags().StringVar(&connector, "connector", "", "connector id")
	_ = cmd.MarkFlagRequired("connector")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var subject, scope string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := auth.GenerateToken(auth.FromConfig(c.cfg.Admin), subject, scope)
			if errors.Is(err, auth.ErrDisabled) {
				return fmt.Errorf("set admin.jwt_secret first: %w", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().StringVar(&scope, "scope", "", "optional scope claim")
	return cmd
}

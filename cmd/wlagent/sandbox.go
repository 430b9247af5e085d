package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"wlagent/internal/app"
	"wlagent/internal/server"
)

func sandboxCmd() *cobra.Command {
	sb := &cobra.Command{
		Use:   "sandbox",
		Short: "Local stand-in Workline backend",
	}
	sb.AddCommand(sandboxServeCmd())
	sb.AddCommand(sandboxTokenCmd())
	return sb
}

func sandboxServeCmd() *cobra.Command {
	var addr, workspace, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sandbox API backed by SQLite",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(e *env) error {
				sandbox, err := app.OpenSandbox(cmd.Context(), e.cfg, app.SandboxOptions{
					Workspace:        workspace,
					BasePath:         basePath,
					JWTSecret:        viper.GetString("jwt_secret"),
					AllowActorHeader: allowActorHeader,
				}, e.logger)
				if err != nil {
					return err
				}
				defer sandbox.Close()

				srv := &http.Server{Addr: addr, Handler: sandbox.Handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-cmd.Context().Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
				}()
				e.logger.Info("sandbox listening", zap.String("addr", addr), zap.String("base_path", basePath),
					zap.Int("actors", len(e.cfg.Sandbox.Actors)))
				fmt.Printf("Serving Workline sandbox on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "directory holding the sandbox database")
	cmd.Flags().StringVar(&basePath, "base-path", app.DefaultBasePath, "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept a bare X-Actor-Id header as identity")
	return cmd
}

func sandboxTokenCmd() *cobra.Command {
	var actorID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a sandbox actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt_secret")
			if secret == "" {
				return fmt.Errorf("WORKLINE_JWT_SECRET is required to sign tokens")
			}
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			token, err := server.IssueToken(secret, actorID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (token subject)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

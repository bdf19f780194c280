package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-bvas-bills/internal/auth"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/config"
	"github.com/pesio-ai/be-bvas-bills/internal/platform/logger"
)

func tokenCmd() *cobra.Command {
	var (
		userID   string
		role     string
		district string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.IsDevelopment() {
				return fmt.Errorf("tokens can only be issued in development environments")
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}

			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}

			now := time.Now()
			authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, logger.Nop())
			tok, err := authn.Sign(auth.Identity{UserID: userID, Role: r, DistrictCode: district}, jwt.RegisteredClaims{
				Subject:   userID,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "VENDOR", "VENDOR, DISTRICT_VERIFIER or HQ_ADMIN")
	cmd.Flags().StringVar(&district, "district", "", "district code (verifiers)")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

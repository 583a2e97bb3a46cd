package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/Abraxas-365/qorch/pkg/api"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/spf13/cobra"
)

func createTokenCmd() *cobra.Command {
	var (
		scopes []string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <client-id>",
		Short: "Issue an API token for a client",
		Long: `
Signs a bearer token with JWT_SECRET for the given client. Operators use it to
hand out credentials; there is no self-service token endpoint.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cfg.HTTP.JWTSecret == "" {
				return errors.New("JWT_SECRET must be set")
			}
			if ttl <= 0 {
				ttl = cfg.HTTP.TokenTTL
			}

			tokens := api.NewTokenService(cfg.HTTP.JWTSecret, ttl, cfg.HTTP.JWTIssuer)
			token, err := tokens.Issue(kernel.NewClientID(args[0]), scopes)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&scopes, "scope", []string{"jobs:*"}, "scopes granted by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_TOKEN_TTL)")
	return cmd
}

package main

import (
	"fmt"

	"github.com/maartenbreddels/ipywebrtc/internal/core/services"

	"github.com/spf13/cobra"
)

var (
	flagClientID string
	flagRole     string
	flagRefresh  bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token signed with the configured secret",
	Long: `Mint an access token for the REST API or the websocket endpoint.

Examples:
  ipywebrtc token --client-id notebook --role frontend
  ipywebrtc token --client-id ops --role controller --refresh`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := mintToken(services.NewAuthService(
			cfg.Auth.JWTSecret,
			cfg.Auth.Issuer,
			cfg.Auth.AccessTokenTTL,
			cfg.Auth.RefreshTokenTTL,
		), flagClientID, services.Role(flagRole), flagRefresh)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagClientID, "client-id", "", "client id carried in the token")
	tokenCmd.Flags().StringVar(&flagRole, "role", string(services.RoleFrontend), "viewer, frontend or controller")
	tokenCmd.Flags().BoolVar(&flagRefresh, "refresh", false, "mint a refresh token instead")
	_ = tokenCmd.MarkFlagRequired("client-id")
}

func mintToken(auth services.AuthService, clientID string, role services.Role, refresh bool) (string, error) {
	switch role {
	case services.RoleViewer, services.RoleFrontend, services.RoleController:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	if clientID == "" {
		return "", fmt.Errorf("client id is required")
	}
	if refresh {
		return auth.GenerateRefreshToken(clientID, role)
	}
	return auth.GenerateToken(clientID, role)
}

package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/tempo/internal/auth"
	"github.com/MarcoPoloResearchLab/tempo/internal/config"
	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newTokenCommand() *cobra.Command {
	var subject, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a device token acting under a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			actingRole, err := conflict.ParseRole(role)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				Audience:      appConfig.Audience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), subject, actingRole)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds, role %s\n", expiresIn, actingRole)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (device or operator id)")
	cmd.Flags().StringVar(&role, "role", conflict.RoleDevice.String(), "Acting role (FORCE, MAINTENANCE, GATEWAY, DEVICE, EXTERNAL)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newConflictsCommand() *cobra.Command {
	var all bool
	var limit int
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Print conflict records as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication()
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			filter := conflict.ListFilter{Limit: limit}
			if !all {
				unsolved := false
				filter.Solved = &unsolved
			}
			records, err := app.conflicts.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent(2)
			if err := encoder.Encode(records); err != nil {
				return err
			}
			return encoder.Close()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include solved records")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to print")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/danmuck/panopticon/internal/auth"
	"github.com/danmuck/panopticon/internal/store"
	"github.com/spf13/cobra"
)

func newDeviceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage registered sentinels",
	}
	cmd.AddCommand(newDeviceAddCommand(opts))
	cmd.AddCommand(newDeviceListCommand(opts))
	return cmd
}

func newDeviceAddCommand(opts *rootOptions) *cobra.Command {
	var (
		name   string
		secret string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a sentinel and print its secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if secret == "" {
				if secret, err = auth.GenerateSecret(24); err != nil {
					return err
				}
			}
			db, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()
			d, err := db.CreateDevice(cmd.Context(), name, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id=%s name=%q secret=%s\n", d.ID, d.Name, secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret (generated when empty)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newDeviceListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered sentinels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			devices, err := db.ListDevices(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCONNECTED\tLAST CONNECTED")
			for _, d := range devices {
				last := "-"
				if !d.LastConnectedAt.IsZero() {
					last = d.LastConnectedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.ID, d.Name, d.Connected, last)
			}
			return w.Flush()
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.AdminTTL
			}
			tokens, err := auth.NewAdminTokens(cfg.AdminSecret, ttl)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to admin_token_ttl)")
	return cmd
}

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/batalabs/masix/internal/config"
	"github.com/batalabs/masix/internal/domain"
	"github.com/batalabs/masix/internal/profile"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the resolved profiles",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dataDir, err := cfg.DataDir()
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if _, err := cfg.Cron.Location(); err != nil {
		return fmt.Errorf("cron timezone: %w", err)
	}
	resolver, err := profile.NewResolver(cfg, dataDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config:   %s\n", cfg.Path())
	fmt.Fprintf(out, "data dir: %s\n", dataDir)

	profiles := resolver.Profiles()
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	for _, p := range profiles {
		fmt.Fprintf(out, "profile %s: providers %s", p.Name, strings.Join(p.Providers, " -> "))
		if p.VisionProvider != "" {
			fmt.Fprintf(out, ", vision %s", p.VisionProvider)
		}
		fmt.Fprintln(out)
	}
	for _, acct := range cfg.Telegram.Accounts {
		fmt.Fprintf(out, "telegram %s -> %s\n", acct.AccountTag(), profileLabel(cfg, domain.ChannelTelegram, acct.AccountTag()))
	}
	if cfg.WhatsApp.Enabled {
		fmt.Fprintf(out, "whatsapp %s -> %s\n", cfg.WhatsApp.Tag(), profileLabel(cfg, domain.ChannelWhatsApp, cfg.WhatsApp.Tag()))
	}
	if cfg.SMS.Enabled {
		fmt.Fprintf(out, "sms %s -> %s\n", cfg.SMS.Tag(), profileLabel(cfg, domain.ChannelSMS, cfg.SMS.Tag()))
	}
	fmt.Fprintln(out, "configuration OK")
	return nil
}

func profileLabel(cfg *config.Config, channel, tag string) string {
	if name := cfg.AccountProfileName(channel, tag); name != "" {
		return name
	}
	return "(default)"
}

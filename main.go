// masix CLI entry point
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/batalabs/masix/internal/config"
)

var version = "dev"

func init() {
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "masix",
		Short: "Multi-tenant messaging automation runtime",
		Long: `masix connects Telegram bots, a WhatsApp bridge and SMS ingress to
OpenAI-compatible model providers, with per-account bot profiles, role-based
permissions, MCP tools and reminders.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to the configuration file (default $MASIX_CONFIG or ~/.config/masix/config.toml)")

	root.AddCommand(
		newRunCmd(),
		newCheckCmd(),
		newCronCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "masix %s\n", version)
		},
	}
}

// configPath resolves the --config flag, falling back to $MASIX_CONFIG and
// then to the per-user default location.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("MASIX_CONFIG")
	}
	if strings.TrimSpace(path) == "" {
		path = filepath.Join("~", ".config", "masix", "config.toml")
	}
	return config.ExpandHome(path)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configPath(cmd))
}

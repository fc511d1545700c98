package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wholehead-labs/wholehead-cli/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage wholehead configuration",
		Long: `Configuration management commands.

Commands:
  show  - Display current configuration
  set   - Set a configuration value
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigSetCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			fmt.Printf("Config file:           %s\n", path)
			fmt.Printf("platform_url:          %s\n", cfg.PlatformURL)
			fmt.Printf("stream_secret:         %s\n", maskSecret(cfg.StreamSecret))
			fmt.Printf("token_secret:          %s\n", maskSecret(cfg.TokenSecret))
			fmt.Printf("backoff_base_ms:       %d\n", cfg.Client.BackoffBaseMS)
			fmt.Printf("backoff_cap_ms:        %d\n", cfg.Client.BackoffCapMS)
			fmt.Printf("max_reconnects:        %d\n", cfg.Client.MaxReconnects)
			fmt.Printf("stall_timeout_seconds: %d\n", cfg.Client.StallTimeoutSeconds)
			fmt.Printf("output_dir:            %s\n", cfg.Client.OutputDir)
			if cfg.Proxy.Mode != "" && cfg.Proxy.Mode != "no-proxy" {
				fmt.Printf("proxy:                 %s %s:%d\n", cfg.Proxy.Mode, cfg.Proxy.Host, cfg.Proxy.Port)
			}
			return nil
		},
	}
}

// newConfigSetCmd creates the 'config set' command.
func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Set a configuration value",
		Long: `Set a configuration value and save the file.

Keys: platform_url, stream_secret, token_secret, backoff_base_ms,
backoff_cap_ms, max_reconnects, stall_timeout_seconds, output_dir,
proxy.mode, proxy.host, proxy.port, proxy.user, proxy.no_proxy.

Secrets may omit the value; they are then prompted for without echo.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			key := strings.ToLower(args[0])
			var value string
			if len(args) == 2 {
				value = args[1]
			} else if isSecretKey(key) {
				value, err = promptSecret(key)
				if err != nil {
					return err
				}
			} else {
				return fmt.Errorf("missing value for %s", key)
			}

			if err := applyConfigValue(cfg, key, value); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Printf("Saved %s\n", path)
			return nil
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}

func isSecretKey(key string) bool {
	return key == "stream_secret" || key == "token_secret"
}

func applyConfigValue(cfg *config.Config, key, value string) error {
	setInt := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
		*dst = n
		return nil
	}

	switch key {
	case "platform_url":
		cfg.PlatformURL = value
	case "stream_secret":
		cfg.StreamSecret = value
	case "token_secret":
		cfg.TokenSecret = value
	case "backoff_base_ms":
		return setInt(&cfg.Client.BackoffBaseMS)
	case "backoff_cap_ms":
		return setInt(&cfg.Client.BackoffCapMS)
	case "max_reconnects":
		return setInt(&cfg.Client.MaxReconnects)
	case "stall_timeout_seconds":
		return setInt(&cfg.Client.StallTimeoutSeconds)
	case "output_dir":
		cfg.Client.OutputDir = value
	case "proxy.mode":
		cfg.Proxy.Mode = value
	case "proxy.host":
		cfg.Proxy.Host = value
	case "proxy.port":
		return setInt(&cfg.Proxy.Port)
	case "proxy.user":
		cfg.Proxy.User = value
	case "proxy.no_proxy":
		cfg.Proxy.NoProxy = value
	default:
		return fmt.Errorf("unknown configuration key %q", key)
	}
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

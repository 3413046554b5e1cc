package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asadarafat/tcpao-proxy/internal/config"
)

func validateCmd() *cobra.Command {
	var (
		configPath string
		modeFlag   string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a tcpaoproxy configuration file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			m, err := parseMode(modeFlag)
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath, m)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}

			fmt.Println(cfg.RedactedSummary(m))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to TOML configuration file")
	cmd.Flags().StringVar(&modeFlag, "mode", "", "deployment mode: initiator or terminator")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("mode")

	return cmd
}

func parseMode(s string) (config.Mode, error) {
	switch s {
	case string(config.ModeInitiator):
		return config.ModeInitiator, nil
	case string(config.ModeTerminator):
		return config.ModeTerminator, nil
	default:
		return "", fmt.Errorf("--mode must be %q or %q, got %q", config.ModeInitiator, config.ModeTerminator, s)
	}
}

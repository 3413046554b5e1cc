package commands

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/asadarafat/tcpao-proxy/internal/config"
	"github.com/asadarafat/tcpao-proxy/internal/policy"
	"github.com/asadarafat/tcpao-proxy/internal/tcpaoerr"
)

func selectCmd() *cobra.Command {
	var (
		configPath string
		modeFlag   string
		ipFlag     string
		portFlag   uint16
	)

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Preview which AO policy the Selector would choose for a peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := parseMode(modeFlag)
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath, m)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}

			store, err := config.BuildStore(cfg.AoPolicy)
			if err != nil {
				return fmt.Errorf("build policy store: %w", err)
			}

			ip, err := netip.ParseAddr(ipFlag)
			if err != nil {
				return fmt.Errorf("--ip %q: %w", ipFlag, err)
			}

			var port *uint16
			if cmd.Flags().Changed("port") {
				port = &portFlag
			}

			pol, err := policy.Select(store, ip, port)
			switch {
			case err == nil:
				fmt.Println(pol.Name)
				return nil
			case errors.Is(err, tcpaoerr.ErrNoPolicyForPeer):
				fmt.Println("no match")
				return nil
			default:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to TOML configuration file")
	cmd.Flags().StringVar(&modeFlag, "mode", "", "deployment mode: initiator or terminator")
	cmd.Flags().StringVar(&ipFlag, "ip", "", "peer IP address")
	cmd.Flags().Uint16Var(&portFlag, "port", 0, "peer port (optional)")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("mode")
	_ = cmd.MarkFlagRequired("ip")

	return cmd
}

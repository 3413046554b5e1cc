package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/asadarafat/tcpao-proxy/internal/tcpao"
)

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check whether this host's kernel supports TCP-AO",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			binder := tcpao.NewBinder(slog.Default())
			ok, err := binder.ProbeSupport()
			if err != nil {
				return fmt.Errorf("probe failed: %w", err)
			}
			if ok {
				fmt.Println("tcp-ao: supported")
				return nil
			}
			fmt.Println("tcp-ao: unsupported")
			return nil
		},
	}
}

package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitepeek/internal/provider"
)

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List screenshot providers per flow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			registry := provider.Default().WithProbeDepth(provider.FlowStandard, cfg.Providers.StandardProbeDepth)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FLOW\tPRIORITY\tPROVIDER\tHOST\tSIZE\tPROBED")
			for _, flow := range registry.Flows() {
				for i, d := range flow.Candidates() {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%dx%d\t%t\n",
						flow.Name, d.Priority, d.Name, d.Host, d.Width, d.Height, i < flow.ProbeDepth)
				}
			}
			return w.Flush()
		},
	}
}

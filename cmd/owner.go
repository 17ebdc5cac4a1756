package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-scheduler/internal/ownership"
)

// newOwnerCmd creates the 'owner' subcommand, which prints which node owns
// each host under a given membership.
func newOwnerCmd() *cobra.Command {
	var nodes []string
	cmd := &cobra.Command{
		Use:   "owner HOST...",
		Short: "Print the owning node of each host",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, hosts []string) error {
			if len(nodes) == 0 {
				return errors.New("--nodes is required")
			}
			coord := ownership.New("", nil)
			coord.Apply(nodes)
			out := cmd.OutOrStdout()
			for _, host := range hosts {
				if _, err := fmt.Fprintf(out, "%s\t%s\n", host, coord.OwnerOf(strings.ToLower(host))); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "comma-separated live node IDs")
	return cmd
}

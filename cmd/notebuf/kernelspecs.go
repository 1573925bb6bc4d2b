package main

import (
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/notebuf/internal/kernel/gateway"
	"pkt.systems/notebuf/internal/kernel/kernelspec"
)

type specRow struct {
	name, language, display, location string
}

func newKernelspecsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kernelspecs",
		Short: "List the kernels that can be started",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var rows []specRow
			if cfg.UseGateway() {
				api, err := gateway.NewAPI(cfg.Gateway.URL, cfg.Gateway.Token, &http.Client{Timeout: 30 * time.Second})
				if err != nil {
					return err
				}
				specs, err := api.KernelSpecs(ctx)
				if err != nil {
					return err
				}
				for _, spec := range specs {
					rows = append(rows, specRow{spec.Name, spec.Spec.Language, spec.Spec.DisplayName, cfg.Gateway.URL})
				}
			} else {
				dirs := cfg.Kernel.SpecDirs
				if len(dirs) == 0 {
					dirs = kernelspec.DataDirs()
				}
				specs, err := kernelspec.Discover(ctx, dirs)
				if err != nil {
					return err
				}
				for _, spec := range specs {
					rows = append(rows, specRow{spec.Name, spec.Language, spec.DisplayName, spec.Dir})
				}
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tLANGUAGE\tDISPLAY NAME\tLOCATION")
			for _, row := range rows {
				marker := ""
				if row.name == cfg.Kernel.Default {
					marker = " *"
				}
				fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n", row.name, marker, row.language, row.display, row.location)
			}
			return tw.Flush()
		},
	}
}

package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/maltedev/catalog-scraper/internal/catalog/sites"
	"github.com/spf13/cobra"
)

func newSitesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Inspect site definitions",
	}

	validate := &cobra.Command{
		Use:   "validate [FILE]",
		Short: "Parse a sites file and list the sites it defines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "configs/sites.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			configs, err := sites.LoadConfigs(path)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Name", "Max Pages", "Pagination", "Cross-Validate", "Manual Selectors"})
			for _, c := range configs {
				pagination := c.NextPage
				if pagination == "" {
					pagination = c.PagePattern
				}
				t.AppendRow(table.Row{c.Name, c.MaxPages, pagination, c.CrossValidate, !c.Selectors.Empty()})
			}
			t.Render()
			return nil
		},
	}

	cmd.AddCommand(validate)
	return cmd
}

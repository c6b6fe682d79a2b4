package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	server  string
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Operate the catalog scraper",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	defaultServer := os.Getenv("CATALOG_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8085"
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "admin API base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(newSchedulerCommand(opts))
	root.AddCommand(newSellerCommand(opts))
	root.AddCommand(newJobsCommand(opts))
	root.AddCommand(newSitesCommand())
	root.AddCommand(newMigrateCommand())

	return root
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.server, o.timeout)
}

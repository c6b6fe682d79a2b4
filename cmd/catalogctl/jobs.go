package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/maltedev/catalog-scraper/internal/models"
	"github.com/spf13/cobra"
)

func newJobsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect crawl jobs",
	}
	cmd.AddCommand(
		newSubmitCommand(opts),
		newListJobsCommand(opts),
		jobCommand(opts, "get", "Show a job record", http.MethodGet, ""),
		jobCommand(opts, "progress", "Show a job's queue progress", http.MethodGet, "/progress"),
		newCancelCommand(opts),
		newStatsCommand(opts),
	)
	return cmd
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		sellerID  int64
		mode      string
		fullSite  bool
		startPage int
		endPage   int
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start a crawl of all of a seller's sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sellerID <= 0 {
				return fmt.Errorf("--seller is required")
			}
			req := map[string]interface{}{
				"seller_id": sellerID,
				"mode":      models.JobMode(mode),
				"config":    jobConfig(fullSite, startPage, endPage),
			}
			return call(cmd, opts, http.MethodPost, "/api/v1/jobs", req)
		},
	}
	cmd.Flags().Int64Var(&sellerID, "seller", 0, "seller id")
	cmd.Flags().StringVar(&mode, "mode", string(models.JobModeManual), "job mode: manual, test, batch or auto")
	cmd.Flags().BoolVar(&fullSite, "full-site", false, "ignore per-source page caps")
	cmd.Flags().IntVar(&startPage, "start-page", 0, "first listing page")
	cmd.Flags().IntVar(&endPage, "end-page", 0, "last listing page")
	return cmd
}

func jobConfig(fullSite bool, startPage, endPage int) models.JobConfig {
	cfg := models.JobConfig{FullSiteCrawl: fullSite}
	if startPage > 0 {
		cfg.StartPage = &startPage
	}
	if endPage > 0 {
		cfg.EndPage = &endPage
	}
	return cfg
}

func newListJobsCommand(opts *rootOptions) *cobra.Command {
	var (
		sellerID int64
		status   string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if sellerID > 0 {
				q.Set("seller_id", strconv.FormatInt(sellerID, 10))
			}
			if status != "" {
				q.Set("status", status)
			}
			return call(cmd, opts, http.MethodGet, "/api/v1/jobs?"+q.Encode(), nil)
		},
	}
	cmd.Flags().Int64Var(&sellerID, "seller", 0, "filter by seller id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	return cmd
}

func jobCommand(opts *rootOptions, use, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, method, "/api/v1/jobs/"+url.PathEscape(args[0])+suffix, nil)
		},
	}
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body interface{}
			if reason != "" {
				body = map[string]string{"reason": reason}
			}
			return call(cmd, opts, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(args[0])+"/cancel", body)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recent jobs by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, "/api/v1/stats?window="+strconv.Itoa(window), nil)
		},
	}
	cmd.Flags().IntVar(&window, "window", 100, "number of most recent jobs")
	return cmd
}

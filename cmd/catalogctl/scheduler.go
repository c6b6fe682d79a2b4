package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newSchedulerCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Manage recurring auto-scrape triggers",
	}

	cmd.AddCommand(
		postCommand(opts, "init-all", "Schedule every active seller that has sources", "/api/v1/scheduler/init-all"),
		postCommand(opts, "stop-all", "Remove every auto-scrape trigger", "/api/v1/scheduler/stop-all"),
		postCommand(opts, "reconcile", "Re-create triggers missing for eligible sellers", "/api/v1/scheduler/reconcile"),
		&cobra.Command{
			Use:   "health",
			Short: "Show scheduler coverage and job sync results",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, opts, http.MethodGet, "/api/v1/scheduler/health", nil)
			},
		},
	)
	return cmd
}

func newSellerCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seller",
		Short: "Per-seller scheduling and activity",
	}

	schedule := &cobra.Command{
		Use:   "schedule SELLER_ID",
		Short: "Create or replace the seller's auto-scrape trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSellerID(args[0])
			if err != nil {
				return err
			}
			return call(cmd, opts, http.MethodPost, fmt.Sprintf("/api/v1/sellers/%d/schedule", id), nil)
		},
	}

	unschedule := &cobra.Command{
		Use:   "unschedule SELLER_ID",
		Short: "Remove the seller's auto-scrape trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSellerID(args[0])
			if err != nil {
				return err
			}
			return call(cmd, opts, http.MethodDelete, fmt.Sprintf("/api/v1/sellers/%d/schedule", id), nil)
		},
	}

	var limit int
	activity := &cobra.Command{
		Use:   "activity SELLER_ID",
		Short: "Show the seller's recent activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSellerID(args[0])
			if err != nil {
				return err
			}
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			return call(cmd, opts, http.MethodGet, fmt.Sprintf("/api/v1/sellers/%d/activity?%s", id, q.Encode()), nil)
		},
	}
	activity.Flags().IntVar(&limit, "limit", 50, "number of entries")

	cmd.AddCommand(schedule, unschedule, activity)
	return cmd
}

func postCommand(opts *rootOptions, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, path, nil)
		},
	}
}

// call prints the response body, including error bodies, and returns any error.
func call(cmd *cobra.Command, opts *rootOptions, method, path string, body interface{}) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := opts.client().do(ctx, method, path, body)
	if len(raw) > 0 {
		if perr := printJSON(cmd.OutOrStdout(), raw); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func parseSellerID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid seller id %q", s)
	}
	return id, nil
}

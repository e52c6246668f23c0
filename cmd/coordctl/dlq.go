package main

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect, retry and resolve dead letters",
	}

	dlqClient := func(cmd *cobra.Command) *client {
		return newClient(cmd, "dlq", "dlq_url")
	}

	var (
		resolved    string
		source      string
		destination string
		limit       int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if resolved != "" {
				if _, err := strconv.ParseBool(resolved); err != nil {
					return err
				}
				q.Set("resolved", resolved)
			}
			if source != "" {
				q.Set("source_queue", source)
			}
			if destination != "" {
				q.Set("destination_service", destination)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return dlqClient(cmd).get(cmd, "/messages", q)
		},
	}
	list.Flags().StringVar(&resolved, "resolved", "", "filter by resolution (true or false)")
	list.Flags().StringVar(&source, "source", "", "filter by source queue")
	list.Flags().StringVar(&destination, "destination", "", "filter by destination service")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of messages")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dlqClient(cmd).get(cmd, idPath("/messages", args[0]), nil)
		},
	}

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Redeliver a dead letter to its destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dlqClient(cmd).post(cmd, idPath("/messages", args[0], "retry"))
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead letter as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dlqClient(cmd).post(cmd, idPath("/messages", args[0], "resolve"))
		},
	}

	cmd.AddCommand(list, get, retry, resolve)
	return cmd
}

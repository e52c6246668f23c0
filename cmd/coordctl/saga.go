package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

func newSagaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect sagas",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a saga and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd, "saga", "saga_url").get(cmd, idPath("/sagas", args[0]), nil)
		},
	}

	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sagas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			return newClient(cmd, "saga", "saga_url").get(cmd, "/sagas", q)
		},
	}
	list.Flags().StringVar(&state, "state", "", "comma-separated states to include")

	cmd.AddCommand(get, list)
	return cmd
}

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect outbox messages",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show an outbox message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd, "outbox", "outbox_url").get(cmd, idPath("/messages", args[0]), nil)
		},
	})
	return cmd
}

package main

import (
	"net/url"

	"github.com/spf13/cobra"
)

func newTxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Inspect and abort two-phase commit transactions",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a transaction and its participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd, "coordinator", "coordinator_url").get(cmd, idPath("/transactions", args[0]), nil)
		},
	}

	abort := &cobra.Command{
		Use:   "abort <id>",
		Short: "Abort a transaction that has not committed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient(cmd, "coordinator", "coordinator_url").post(cmd, idPath("/transactions", args[0], "abort"))
		},
	}

	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			return newClient(cmd, "coordinator", "coordinator_url").get(cmd, "/transactions", q)
		},
	}
	list.Flags().StringVar(&state, "state", "", "comma-separated states to include")

	cmd.AddCommand(get, abort, list)
	return cmd
}

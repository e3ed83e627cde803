package main

import "github.com/spf13/cobra"

func registerRemoveCommand(root *cobra.Command, a *app) {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete every object from the client bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.finish(cmd.Context(), runRemove(cmd, a))
		},
	}
	root.AddCommand(cmd)
}

func runRemove(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	conf, err := a.loadConfig()
	if err != nil {
		return err
	}
	clients, err := a.newClients(ctx, false)
	if err != nil {
		return err
	}
	_, err = a.pipeline(conf, clients).Remove(ctx)
	return err
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/keithlinneman/fullstack-deploy/internal/deploy"
)

func registerDeployCommand(root *cobra.Command, a *app) {
	var do deploy.DeployOptions
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Upload the client build and invalidate the distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.finish(cmd.Context(), runDeploy(cmd, a, do))
		},
	}
	cmd.Flags().BoolVar(&do.DeleteContents, "delete-contents", true, "empty the bucket before uploading (noDeleteContents in the config wins)")
	cmd.Flags().BoolVar(&do.Invalidate, "invalidate-distribution", true, "invalidate the CloudFront distribution after upload")
	root.AddCommand(cmd)
}

func runDeploy(cmd *cobra.Command, a *app, do deploy.DeployOptions) error {
	ctx := cmd.Context()
	conf, err := a.loadConfig()
	if err != nil {
		return err
	}
	clients, err := a.newClients(ctx, false)
	if err != nil {
		return err
	}
	_, err = a.pipeline(conf, clients).Deploy(ctx, do)
	return err
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/fullstack-deploy/internal/deploy"
)

func registerValidateCommand(root *cobra.Command, a *app) {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the deployment config",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := a.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (bucket %s)\n", a.conf.ConfigFile,
				a.pipeline(conf, deploy.Clients{}).BucketName())
			return nil
		},
	}
	root.AddCommand(cmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/fullstack-deploy/internal/cfn"
	"github.com/keithlinneman/fullstack-deploy/internal/compose"
	"github.com/keithlinneman/fullstack-deploy/internal/cryptoutil"
	"github.com/keithlinneman/fullstack-deploy/internal/deploy"
)

type composeFlags struct {
	out           string
	format        string
	stackTemplate string
	restAPIID     string
}

func registerComposeCommand(root *cobra.Command, a *app) {
	var f composeFlags
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Write the composed hosting template",
		Long:  "Compose the CloudFront distribution, bucket and bucket policy for the configured client and write the template for the external apply step.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.finish(cmd.Context(), runCompose(cmd, a, f))
		},
	}
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "output file (default stdout)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "json", "output format (json/yaml)")
	cmd.Flags().StringVar(&f.stackTemplate, "stack-template", "", "compiled stack template used to discover an in-stack API")
	cmd.Flags().StringVar(&f.restAPIID, "rest-api-id", "", "API Gateway rest api id the distribution should front")
	root.AddCommand(cmd)
}

func runCompose(cmd *cobra.Command, a *app, f composeFlags) error {
	ctx := cmd.Context()
	format, err := cfn.ParseFormat(f.format)
	if err != nil {
		return err
	}
	conf, err := a.loadConfig()
	if err != nil {
		return err
	}

	dc := compose.DeployContext{RestAPIID: f.restAPIID}
	if f.stackTemplate != "" {
		data, err := os.ReadFile(f.stackTemplate)
		if err != nil {
			return fmt.Errorf("read stack template: %w", err)
		}
		if dc.StackTemplate, err = cfn.Parse(data); err != nil {
			return fmt.Errorf("parse stack template %s: %w", f.stackTemplate, err)
		}
	}

	// AWS is only needed to resolve the API id from SSM
	var clients deploy.Clients
	if conf.APIGatewayRestAPIIDParam != "" && conf.APIGatewayRestAPIID == "" && f.restAPIID == "" {
		if clients, err = a.newClients(ctx, true); err != nil {
			return err
		}
	}
	tmpl, err := a.pipeline(conf, clients).Compose(ctx, dc)
	if err != nil {
		return err
	}
	out, err := tmpl.Encode(format)
	if err != nil {
		return err
	}

	a.logger.Debug(ctx, "template encoded", "bytes", len(out), "sha256", cryptoutil.SHA256Hex(out))

	if f.out == "" {
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}
	if err := os.WriteFile(f.out, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", f.out, err)
	}
	a.logger.Info(ctx, "composed template written",
		"file", f.out,
		"format", string(format),
		"sha256", cryptoutil.SHA256Hex(out),
	)
	return nil
}

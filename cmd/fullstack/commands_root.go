package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"github.com/keithlinneman/fullstack-deploy/internal/cfg"
	"github.com/keithlinneman/fullstack-deploy/internal/clientcfg"
	"github.com/keithlinneman/fullstack-deploy/internal/deploy"
	"github.com/keithlinneman/fullstack-deploy/internal/log"
	"github.com/keithlinneman/fullstack-deploy/internal/metrics"
	"github.com/keithlinneman/fullstack-deploy/internal/objsync"
	"github.com/keithlinneman/fullstack-deploy/internal/otelx"
	v "github.com/keithlinneman/fullstack-deploy/internal/version"
)

// app is the state shared by all subcommands once the root pre-run has
// parsed flags and set up logging, tracing and metrics.
type app struct {
	conf        cfg.App
	showVersion bool

	logger       log.Logger
	metrics      *metrics.DeployMetrics
	shutdownOTEL func(context.Context) error

	// replaced in tests; loads clients lazily so compose and validate work
	// without credentials
	newClients func(ctx context.Context, needSSM bool) (deploy.Clients, error)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	a.newClients = a.awsClients
	return buildRootCmd(a)
}

func buildRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           v.AppName,
		Short:         "Deploy a static web client to S3 behind CloudFront",
		Long:          "fullstack composes the CloudFront/S3 hosting template for a static client, uploads the build to its bucket and invalidates the distribution.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			a.teardown()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), v.Get().String())
				return nil
			}
			return cmd.Help()
		},
	}

	cfg.Register(root.PersistentFlags(), &a.conf)
	root.Flags().BoolVarP(&a.showVersion, "version", "V", false, "Print version+build information and exit")

	registerComposeCommand(root, a)
	registerDeployCommand(root, a)
	registerRemoveCommand(root, a)
	registerValidateCommand(root, a)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.showVersion {
		return nil
	}

	// Fill in config from environment variables with prefix FULLSTACK_ and validate
	cfg.FillFromEnv(cmd.Flags(), cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
	})
	if err := cfg.Validate(a.conf); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	lvl, err := log.ParseLevel(a.conf.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", a.conf.LogLevel, err)
	}
	stackLvl, err := log.ParseLevel(a.conf.StacktraceLevel)
	if err != nil {
		return fmt.Errorf("invalid stacktrace level %s: %w", a.conf.StacktraceLevel, err)
	}
	vi := v.Get()
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Component:         cmd.Name(),
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        a.conf.LogJSON,
		MaxErrorLinks:     a.conf.MaxErrorLinks,
		IncludeErrorLinks: a.conf.IncludeErrorLinks,
		Writer:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("logger init error: %w", err)
	}
	a.logger = lg.With("service", a.conf.Service, "stage", a.conf.Stage)
	ctx := log.WithContext(cmd.Context(), a.logger)
	cmd.SetContext(ctx)

	a.logger.Debug(ctx, "initializing",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"config", a.conf.ConfigFile,
		"project_dir", a.conf.ProjectDir,
		"region", a.conf.Region,
		"upload_concurrency", a.conf.UploadConcurrency,
		"upload_rate_limit", a.conf.UploadRateLimit,
		"enable_tracing", a.conf.EnableTracing,
		"otlp_endpoint", a.conf.OTLPEndpoint,
		"pushgateway_url", a.conf.PushgatewayURL,
	)

	// Insecure is true because traces go to a collector on the build host
	a.shutdownOTEL, err = otelx.Init(ctx, otelx.Options{
		Enabled:  a.conf.EnableTracing,
		Endpoint: a.conf.OTLPEndpoint,
		Insecure: true,
		Sample:   a.conf.TraceSample,
		Service:  a.conf.Service,
		Stage:    a.conf.Stage,
		Version:  vi.Version,
	})
	if err != nil {
		// tracing is best effort, the deploy still runs
		a.logger.Error(ctx, err, "otel init failed")
		a.shutdownOTEL = nil
	}

	a.metrics = metrics.New()
	a.metrics.SetBuildInfo(vi)
	return nil
}

func (a *app) teardown() {
	if a.shutdownOTEL != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.shutdownOTEL(ctx)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// finish records the outcome and pushes metrics when a pushgateway is set.
// A failed push is logged and never changes the command result.
func (a *app) finish(ctx context.Context, err error) error {
	if err == nil {
		a.metrics.MarkSuccess(time.Now())
	}
	if a.conf.PushgatewayURL != "" {
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if perr := a.metrics.Push(pctx, a.conf.PushgatewayURL, v.AppName, a.conf.Service, a.conf.Stage); perr != nil {
			a.logger.Error(ctx, perr, "pushgateway push failed", "url", a.conf.PushgatewayURL)
		}
	}
	return err
}

func (a *app) loadConfig() (*clientcfg.Config, error) {
	return clientcfg.Load(a.conf.ConfigFile, a.conf.ProjectDir)
}

func (a *app) pipeline(conf *clientcfg.Config, clients deploy.Clients) *deploy.Pipeline {
	policy := objsync.FailFast
	if a.conf.UploadBestEffort {
		policy = objsync.BestEffort
	}
	return deploy.New(conf, clients, deploy.Options{
		Logger:            a.logger,
		Service:           a.conf.Service,
		Stage:             a.conf.Stage,
		Region:            a.region(),
		ProjectDir:        a.conf.ProjectDir,
		UploadConcurrency: a.conf.UploadConcurrency,
		UploadRateLimit:   a.conf.UploadRateLimit,
		UploadPolicy:      policy,
		PollInterval:      a.conf.PollInterval,
		MaxPollInterval:   a.conf.MaxPollInterval,
		MaxPollAttempts:   a.conf.MaxPollAttempts,
		Metrics:           a.metrics,
	})
}

func (a *app) region() string {
	if a.conf.Region != "" {
		return a.conf.Region
	}
	for _, k := range []string{"AWS_REGION", "AWS_DEFAULT_REGION"} {
		if r := os.Getenv(k); r != "" {
			return r
		}
	}
	return ""
}

func (a *app) awsClients(ctx context.Context, needSSM bool) (deploy.Clients, error) {
	var opts []func(*config.LoadOptions) error
	if a.conf.Region != "" {
		opts = append(opts, config.WithRegion(a.conf.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return deploy.Clients{}, fmt.Errorf("load AWS config: %w", err)
	}
	if a.conf.Region == "" && awsCfg.Region != "" {
		a.conf.Region = awsCfg.Region
	}
	c := deploy.Clients{
		S3:     s3.NewFromConfig(awsCfg),
		Stacks: cloudformation.NewFromConfig(awsCfg),
		CDN:    cloudfront.NewFromConfig(awsCfg),
	}
	if needSSM {
		c.SSM = ssm.NewFromConfig(awsCfg)
	}
	a.logger.Debug(ctx, "aws clients ready", "region", awsCfg.Region)
	return c, nil
}

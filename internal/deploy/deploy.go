// Package deploy runs the client pipeline: compose the hosting template,
// sync the build to its bucket, invalidate the distribution, and remove
// the client again.
package deploy

import (
	"context"
	"errors"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/fullstack-deploy/internal/cfn"
	"github.com/keithlinneman/fullstack-deploy/internal/clientcfg"
	"github.com/keithlinneman/fullstack-deploy/internal/compose"
	"github.com/keithlinneman/fullstack-deploy/internal/invalidate"
	"github.com/keithlinneman/fullstack-deploy/internal/log"
	"github.com/keithlinneman/fullstack-deploy/internal/objsync"
	"github.com/keithlinneman/fullstack-deploy/internal/otelx"
	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

// ErrBucketNotFound is returned by Deploy when the client bucket has not
// been created yet.
var ErrBucketNotFound = errors.New("client bucket does not exist")

// Clients are the AWS APIs the pipeline talks to. Any may be nil when the
// command does not need it.
type Clients struct {
	S3     objsync.S3API
	SSM    compose.ParameterGetter
	Stacks invalidate.StackAPI
	CDN    invalidate.DistributionAPI
}

// Metrics is implemented by metrics.DeployMetrics.
type Metrics interface {
	objsync.Metrics
	invalidate.Metrics
	ObserveStage(stage string, d time.Duration)
}

type Options struct {
	Logger log.Logger

	Service    string
	Stage      string
	Region     string
	ProjectDir string

	UploadConcurrency int
	UploadRateLimit   float64
	UploadPolicy      objsync.Policy

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxPollAttempts int

	Metrics Metrics
}

type Pipeline struct {
	conf    *clientcfg.Config
	clients Clients
	opts    Options
	logger  log.Logger
}

func New(conf *clientcfg.Config, clients Clients, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.ProjectDir == "" {
		opts.ProjectDir = "."
	}
	return &Pipeline{conf: conf, clients: clients, opts: opts, logger: opts.Logger}
}

// BucketName is the physical name of the client bucket.
func (p *Pipeline) BucketName() string {
	return compose.BucketName(p.opts.Service, p.opts.Stage, p.conf.BucketName)
}

// Compose builds the hosting template: the embedded base, merged with the
// configured resources file, rewritten for this config and API.
func (p *Pipeline) Compose(ctx context.Context, dc compose.DeployContext) (_ *cfn.Template, err error) {
	ctx, span := otelx.Start(ctx, "deploy.compose")
	defer func() { otelx.End(span, err) }()
	defer p.observe("compose", time.Now())

	tmpl, err := cfn.Base()
	if err != nil {
		return nil, xerrors.Wrap(err, "load base template")
	}
	if f := p.conf.ResourcesFile; f != "" {
		overlay, err := p.loadTemplate(f)
		if err != nil {
			return nil, err
		}
		tmpl = cfn.Merge(tmpl, overlay)
		p.logger.Debug(ctx, "merged resources file", "file", f)
	}

	if dc.SSM == nil {
		dc.SSM = p.clients.SSM
	}
	api, err := compose.ResolveAPI(log.WithContext(ctx, p.logger), p.conf, dc)
	if err != nil {
		return nil, err
	}

	out, err := compose.Compose(tmpl, p.conf, compose.Options{
		Service: p.opts.Service,
		Stage:   p.opts.Stage,
		Region:  p.opts.Region,
		API:     api,
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "template composed",
		"bucket", p.BucketName(),
		"resources", len(out.ResourceIDs()),
		"api", api != nil,
	)
	return out, nil
}

func (p *Pipeline) loadTemplate(name string) (*cfn.Template, error) {
	path := p.resolve(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read resources file %s", path)
	}
	t, err := cfn.Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse resources file %s", path)
	}
	return t, nil
}

func (p *Pipeline) resolve(name string) string {
	return clientcfg.ResolvePath(p.opts.ProjectDir, name)
}

type DeployOptions struct {
	// DeleteContents empties the bucket before upload unless the config
	// sets noDeleteContents.
	DeleteContents bool

	// Invalidate creates a CloudFront invalidation after upload.
	Invalidate bool
}

type Result struct {
	Bucket       string
	Deleted      int
	Upload       objsync.UploadReport
	Invalidation *invalidate.Invalidation
}

// Deploy uploads the distribution folder to the client bucket. The bucket
// must already exist.
func (p *Pipeline) Deploy(ctx context.Context, do DeployOptions) (_ *Result, err error) {
	bucket := p.BucketName()
	ctx, span := otelx.Start(ctx, "deploy.client", attribute.String("bucket", bucket))
	defer func() { otelx.End(span, err) }()

	res := &Result{Bucket: bucket}
	syncer := p.syncer()

	exists, err := syncer.BucketExists(ctx, bucket)
	if err != nil {
		return res, err
	}
	if !exists {
		return res, xerrors.Wrapf(ErrBucketNotFound, "bucket %s", bucket)
	}

	if do.DeleteContents && !p.conf.NoDeleteContents {
		p.logger.Info(ctx, "Deleting all objects from bucket...", "bucket", bucket)
		start := time.Now()
		res.Deleted, err = syncer.EmptyBucket(ctx, bucket)
		p.observe("empty", start)
		if err != nil {
			return res, err
		}
	} else {
		p.logger.Info(ctx, "Keeping current bucket contents...", "bucket", bucket)
	}

	root := p.resolve(p.conf.DistributionFolder)
	start := time.Now()
	res.Upload, err = syncer.UploadDirectory(ctx, bucket, root, headerRules(p.conf.ObjectHeaders))
	p.observe("upload", start)
	if err != nil {
		return res, err
	}

	if do.Invalidate {
		start := time.Now()
		res.Invalidation, err = p.coordinator().Invalidate(ctx, p.conf.InvalidationPaths)
		p.observe("invalidate", start)
		if err != nil {
			return res, err
		}
	}

	p.logger.Info(ctx, "Success! Client deployed.",
		"bucket", bucket,
		"files", res.Upload.Uploaded,
		"bytes", res.Upload.Bytes,
	)
	return res, nil
}

// Remove empties the client bucket. A bucket that does not exist is
// logged and treated as success.
func (p *Pipeline) Remove(ctx context.Context) (_ int, err error) {
	bucket := p.BucketName()
	ctx, span := otelx.Start(ctx, "deploy.remove", attribute.String("bucket", bucket))
	defer func() { otelx.End(span, err) }()
	defer p.observe("remove", time.Now())

	syncer := p.syncer()
	exists, err := syncer.BucketExists(ctx, bucket)
	if err != nil {
		return 0, err
	}
	if !exists {
		p.logger.Info(ctx, "Bucket does not exist", "bucket", bucket)
		return 0, nil
	}
	n, err := syncer.EmptyBucket(ctx, bucket)
	if err != nil {
		return n, err
	}
	p.logger.Info(ctx, "Success! Your client files have been removed", "bucket", bucket, "deleted", n)
	return n, nil
}

func (p *Pipeline) syncer() *objsync.Syncer {
	opts := objsync.Options{
		Logger:      p.logger.With("component", "objsync"),
		Concurrency: p.opts.UploadConcurrency,
		RateLimit:   p.opts.UploadRateLimit,
		Policy:      p.opts.UploadPolicy,
	}
	if p.opts.Metrics != nil {
		opts.Metrics = p.opts.Metrics
	}
	return objsync.New(p.clients.S3, opts)
}

func (p *Pipeline) coordinator() *invalidate.Coordinator {
	opts := invalidate.Options{
		Logger:          p.logger.With("component", "invalidate"),
		Service:         p.opts.Service,
		Stage:           p.opts.Stage,
		PollInterval:    p.opts.PollInterval,
		MaxPollInterval: p.opts.MaxPollInterval,
		MaxAttempts:     p.opts.MaxPollAttempts,
	}
	if p.opts.Metrics != nil {
		opts.Metrics = p.opts.Metrics
	}
	return invalidate.New(p.clients.Stacks, p.clients.CDN, opts)
}

func (p *Pipeline) observe(stage string, start time.Time) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.ObserveStage(stage, time.Since(start))
	}
}

func headerRules(in map[string][]clientcfg.Header) objsync.Rules {
	if len(in) == 0 {
		return nil
	}
	out := make(objsync.Rules, len(in))
	for k, hs := range in {
		rs := make([]objsync.Header, len(hs))
		for i, h := range hs {
			rs[i] = objsync.Header{Name: h.Name, Value: h.Value}
		}
		out[k] = rs
	}
	return out
}

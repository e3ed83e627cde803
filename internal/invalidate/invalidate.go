// Package invalidate locates a stack's CloudFront distribution, creates a
// cache invalidation and waits for it to complete.
package invalidate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"
	"github.com/oklog/ulid/v2"

	"github.com/keithlinneman/fullstack-deploy/internal/cfn"
	"github.com/keithlinneman/fullstack-deploy/internal/log"
	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

const (
	StatusInProgress = "InProgress"
	StatusCompleted  = "Completed"

	DefaultPollInterval    = 5 * time.Second
	DefaultMaxPollInterval = 30 * time.Second
	DefaultMaxAttempts     = 120
)

// ErrPollExhausted is returned when the invalidation is still in progress
// after MaxAttempts status queries.
var ErrPollExhausted = errors.New("invalidation still in progress after max poll attempts")

// StackAPI is the subset of *cloudformation.Client used to locate the
// distribution.
type StackAPI interface {
	ListStackResources(ctx context.Context, in *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error)
}

// DistributionAPI is the subset of *cloudfront.Client used to invalidate.
type DistributionAPI interface {
	CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
	GetInvalidation(ctx context.Context, in *cloudfront.GetInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetInvalidationOutput, error)
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncInvalidationPolls()
	IncInvalidation(outcome string)
}

type Options struct {
	Logger log.Logger

	// StackName defaults to <service>-<stage>.
	StackName string
	Service   string
	Stage     string

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxAttempts     int

	Metrics Metrics
}

// Invalidation describes one created invalidation and its last known status.
type Invalidation struct {
	DistributionID  string
	CallerReference string
	Paths           []string
	ID              string
	Status          string
}

type Coordinator struct {
	stacks StackAPI
	cdn    DistributionAPI
	logger log.Logger

	stackName       string
	pollInterval    time.Duration
	maxPollInterval time.Duration
	maxAttempts     int
	metrics         Metrics

	// replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func New(stacks StackAPI, cdn DistributionAPI, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = max(DefaultMaxPollInterval, opts.PollInterval)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	name := opts.StackName
	if name == "" {
		name = opts.Service + "-" + opts.Stage
	}
	return &Coordinator{
		stacks:          stacks,
		cdn:             cdn,
		logger:          opts.Logger,
		stackName:       name,
		pollInterval:    opts.PollInterval,
		maxPollInterval: opts.MaxPollInterval,
		maxAttempts:     opts.MaxAttempts,
		metrics:         opts.Metrics,
		sleep:           sleepCtx,
	}
}

// Invalidate invalidates paths on the stack's distribution and blocks until
// CloudFront reports Completed. A stack without a distribution is not an
// error: the skip is logged and (nil, nil) returned.
func (c *Coordinator) Invalidate(ctx context.Context, paths []string) (*Invalidation, error) {
	distID, err := c.DistributionID(ctx)
	if err != nil {
		c.record("error")
		return nil, err
	}
	if distID == "" {
		c.logger.Warn(ctx, "CloudFront distribution id was not found. Skipping CloudFront invalidation.",
			"stack", c.stackName,
		)
		c.record("skipped")
		return nil, nil
	}

	inv, err := c.create(ctx, distID, paths)
	if err != nil {
		c.record("error")
		return nil, err
	}
	c.logger.Info(ctx, "CloudFront invalidation started...",
		"distribution_id", distID,
		"invalidation_id", inv.ID,
		"paths", len(paths),
	)

	if err := c.wait(ctx, inv); err != nil {
		c.record("error")
		return inv, err
	}
	c.logger.Info(ctx, "CloudFront invalidation completed.", "invalidation_id", inv.ID)
	c.record("completed")
	return inv, nil
}

// DistributionID returns the physical id of ApiDistribution in the stack,
// or "" when the stack has no such resource or does not exist.
func (c *Coordinator) DistributionID(ctx context.Context) (string, error) {
	p := cloudformation.NewListStackResourcesPaginator(c.stacks, &cloudformation.ListStackResourcesInput{
		StackName: aws.String(c.stackName),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			if stackMissing(err) {
				c.logger.Debug(ctx, "stack does not exist", "stack", c.stackName)
				return "", nil
			}
			return "", xerrors.Wrapf(err, "list resources of stack %s", c.stackName)
		}
		for _, r := range page.StackResourceSummaries {
			if aws.ToString(r.LogicalResourceId) == cfn.DistributionID {
				return aws.ToString(r.PhysicalResourceId), nil
			}
		}
	}
	return "", nil
}

func stackMissing(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

func (c *Coordinator) create(ctx context.Context, distID string, paths []string) (*Invalidation, error) {
	ref := ulid.Make().String()
	items := append([]string(nil), paths...)

	out, err := c.cdn.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(distID),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(ref),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(int32(len(items))),
				Items:    items,
			},
		},
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "create invalidation on distribution %s", distID)
	}
	if out.Invalidation == nil || aws.ToString(out.Invalidation.Id) == "" {
		return nil, xerrors.Newf("create invalidation on distribution %s: response has no invalidation id", distID)
	}
	return &Invalidation{
		DistributionID:  distID,
		CallerReference: ref,
		Paths:           items,
		ID:              aws.ToString(out.Invalidation.Id),
		Status:          aws.ToString(out.Invalidation.Status),
	}, nil
}

// wait polls until Completed, doubling the delay between polls up to
// maxPollInterval. The first status query waits one pollInterval.
func (c *Coordinator) wait(ctx context.Context, inv *Invalidation) error {
	delay := c.pollInterval
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}

		out, err := c.cdn.GetInvalidation(ctx, &cloudfront.GetInvalidationInput{
			DistributionId: aws.String(inv.DistributionID),
			Id:             aws.String(inv.ID),
		})
		if c.metrics != nil {
			c.metrics.IncInvalidationPolls()
		}
		if err != nil {
			return xerrors.Wrapf(err, "get invalidation %s on distribution %s", inv.ID, inv.DistributionID)
		}
		if out.Invalidation != nil {
			inv.Status = aws.ToString(out.Invalidation.Status)
		}
		if inv.Status == StatusCompleted {
			return nil
		}
		c.logger.Debug(ctx, "invalidation in progress",
			"invalidation_id", inv.ID,
			"attempt", attempt,
			"status", inv.Status,
		)

		delay *= 2
		if delay > c.maxPollInterval {
			delay = c.maxPollInterval
		}
	}
	return xerrors.Wrapf(ErrPollExhausted, "invalidation %s after %d polls", inv.ID, c.maxAttempts)
}

func (c *Coordinator) record(outcome string) {
	if c.metrics != nil {
		c.metrics.IncInvalidation(outcome)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

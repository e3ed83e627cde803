package invalidate

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"

	"github.com/keithlinneman/fullstack-deploy/internal/log"
)

type fakeStacks struct {
	pages     [][]cfntypes.StackResourceSummary
	err       error
	calls     int
	stackName string
}

func (f *fakeStacks) ListStackResources(_ context.Context, in *cloudformation.ListStackResourcesInput, _ ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error) {
	f.calls++
	f.stackName = aws.ToString(in.StackName)
	if f.err != nil {
		return nil, f.err
	}
	i := 0
	if tok := aws.ToString(in.NextToken); tok != "" {
		i = int(tok[0] - '0')
	}
	out := &cloudformation.ListStackResourcesOutput{}
	if i < len(f.pages) {
		out.StackResourceSummaries = f.pages[i]
	}
	if i+1 < len(f.pages) {
		out.NextToken = aws.String(string(rune('0' + i + 1)))
	}
	return out, nil
}

type fakeCDN struct {
	statuses []string
	createIn *cloudfront.CreateInvalidationInput
	creates  int
	gets     int
	getErr   error
}

func (f *fakeCDN) CreateInvalidation(_ context.Context, in *cloudfront.CreateInvalidationInput, _ ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error) {
	f.creates++
	f.createIn = in
	return &cloudfront.CreateInvalidationOutput{
		Invalidation: &cftypes.Invalidation{Id: aws.String("INV123"), Status: aws.String(StatusInProgress)},
	}, nil
}

func (f *fakeCDN) GetInvalidation(_ context.Context, _ *cloudfront.GetInvalidationInput, _ ...func(*cloudfront.Options)) (*cloudfront.GetInvalidationOutput, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	s := StatusInProgress
	if f.gets-1 < len(f.statuses) {
		s = f.statuses[f.gets-1]
	}
	return &cloudfront.GetInvalidationOutput{
		Invalidation: &cftypes.Invalidation{Id: aws.String("INV123"), Status: aws.String(s)},
	}, nil
}

type fakeMetrics struct {
	polls    int
	outcomes []string
}

func (m *fakeMetrics) IncInvalidationPolls()          { m.polls++ }
func (m *fakeMetrics) IncInvalidation(outcome string) { m.outcomes = append(m.outcomes, outcome) }

func withDistribution() *fakeStacks {
	return &fakeStacks{pages: [][]cfntypes.StackResourceSummary{{
		{LogicalResourceId: aws.String("WebAppS3Bucket"), PhysicalResourceId: aws.String("bucket")},
		{LogicalResourceId: aws.String("ApiDistribution"), PhysicalResourceId: aws.String("DIST123")},
	}}}
}

// newTestCoordinator records every requested delay instead of sleeping.
func newTestCoordinator(stacks StackAPI, cdn DistributionAPI, opts Options) (*Coordinator, *[]time.Duration) {
	c := New(stacks, cdn, opts)
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return c, &delays
}

func TestInvalidate_NoDistributionSkips(t *testing.T) {
	var buf bytes.Buffer
	logger, err := log.New(log.Options{App: "test", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	stacks := &fakeStacks{pages: [][]cfntypes.StackResourceSummary{{}}}
	cdn := &fakeCDN{}
	m := &fakeMetrics{}
	c, _ := newTestCoordinator(stacks, cdn, Options{Logger: logger, Service: "shop", Stage: "prod", Metrics: m})

	inv, err := c.Invalidate(context.Background(), []string{"/*"})
	if err != nil || inv != nil {
		t.Fatalf("inv=%v err=%v, want nil nil", inv, err)
	}
	if stacks.calls != 1 || cdn.creates != 0 || cdn.gets != 0 {
		t.Fatalf("requests: list=%d create=%d get=%d", stacks.calls, cdn.creates, cdn.gets)
	}
	if stacks.stackName != "shop-prod" {
		t.Fatalf("stack name = %q", stacks.stackName)
	}
	if !strings.Contains(buf.String(), "CloudFront distribution id was not found") {
		t.Fatalf("skip not logged: %q", buf.String())
	}
	if diff := cmp.Diff([]string{"skipped"}, m.outcomes); diff != "" {
		t.Fatalf("outcomes (-want +got):\n%s", diff)
	}
}

func TestInvalidate_MissingStackSkips(t *testing.T) {
	stacks := &fakeStacks{err: &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack with id shop-prod does not exist"}}
	c, _ := newTestCoordinator(stacks, &fakeCDN{}, Options{Service: "shop", Stage: "prod"})
	inv, err := c.Invalidate(context.Background(), []string{"/*"})
	if err != nil || inv != nil {
		t.Fatalf("inv=%v err=%v", inv, err)
	}
}

func TestInvalidate_ListErrorPropagates(t *testing.T) {
	stacks := &fakeStacks{err: errors.New("throttled")}
	c, _ := newTestCoordinator(stacks, &fakeCDN{}, Options{Service: "shop", Stage: "prod"})
	if _, err := c.Invalidate(context.Background(), []string{"/*"}); err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("err = %v", err)
	}
}

func TestInvalidate_FindsDistributionOnLaterPage(t *testing.T) {
	stacks := &fakeStacks{pages: [][]cfntypes.StackResourceSummary{
		{{LogicalResourceId: aws.String("WebAppS3Bucket"), PhysicalResourceId: aws.String("bucket")}},
		{{LogicalResourceId: aws.String("ApiDistribution"), PhysicalResourceId: aws.String("DIST9")}},
	}}
	c, _ := newTestCoordinator(stacks, &fakeCDN{}, Options{StackName: "custom"})
	id, err := c.DistributionID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "DIST9" || stacks.calls != 2 || stacks.stackName != "custom" {
		t.Fatalf("id=%q calls=%d stack=%q", id, stacks.calls, stacks.stackName)
	}
}

func TestInvalidate_PollsUntilCompleted(t *testing.T) {
	cdn := &fakeCDN{statuses: []string{StatusInProgress, StatusInProgress, StatusCompleted}}
	m := &fakeMetrics{}
	c, delays := newTestCoordinator(withDistribution(), cdn, Options{
		Service:         "shop",
		Stage:           "prod",
		PollInterval:    time.Second,
		MaxPollInterval: 3 * time.Second,
		Metrics:         m,
	})

	inv, err := c.Invalidate(context.Background(), []string{"/*", "/images/*"})
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if cdn.gets != 3 || m.polls != 3 {
		t.Fatalf("gets=%d polls=%d, want 3", cdn.gets, m.polls)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, *delays); diff != "" {
		t.Fatalf("delays (-want +got):\n%s", diff)
	}

	want := &Invalidation{
		DistributionID:  "DIST123",
		CallerReference: inv.CallerReference,
		Paths:           []string{"/*", "/images/*"},
		ID:              "INV123",
		Status:          StatusCompleted,
	}
	if diff := cmp.Diff(want, inv); diff != "" {
		t.Fatalf("invalidation (-want +got):\n%s", diff)
	}

	batch := cdn.createIn.InvalidationBatch
	if aws.ToString(cdn.createIn.DistributionId) != "DIST123" {
		t.Fatalf("DistributionId = %q", aws.ToString(cdn.createIn.DistributionId))
	}
	if aws.ToInt32(batch.Paths.Quantity) != 2 || len(batch.Paths.Items) != 2 {
		t.Fatalf("paths = %+v", batch.Paths)
	}
	if len(aws.ToString(batch.CallerReference)) != 26 {
		t.Fatalf("caller reference %q is not a ULID", aws.ToString(batch.CallerReference))
	}
	if diff := cmp.Diff([]string{"completed"}, m.outcomes); diff != "" {
		t.Fatalf("outcomes (-want +got):\n%s", diff)
	}
}

func TestInvalidate_ImmediateCompletion(t *testing.T) {
	cdn := &fakeCDN{statuses: []string{StatusCompleted}}
	c, _ := newTestCoordinator(withDistribution(), cdn, Options{Service: "s", Stage: "d"})
	if _, err := c.Invalidate(context.Background(), []string{"/*"}); err != nil {
		t.Fatal(err)
	}
	if cdn.gets != 1 {
		t.Fatalf("gets = %d, want 1", cdn.gets)
	}
}

func TestInvalidate_CallerReferenceUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		cdn := &fakeCDN{statuses: []string{StatusCompleted}}
		c, _ := newTestCoordinator(withDistribution(), cdn, Options{Service: "s", Stage: "d"})
		inv, err := c.Invalidate(context.Background(), []string{"/*"})
		if err != nil {
			t.Fatal(err)
		}
		if seen[inv.CallerReference] {
			t.Fatalf("caller reference %q reused", inv.CallerReference)
		}
		seen[inv.CallerReference] = true
	}
}

func TestInvalidate_PollAttemptsCapped(t *testing.T) {
	cdn := &fakeCDN{}
	c, _ := newTestCoordinator(withDistribution(), cdn, Options{Service: "s", Stage: "d", MaxAttempts: 4})
	inv, err := c.Invalidate(context.Background(), []string{"/*"})
	if !errors.Is(err, ErrPollExhausted) {
		t.Fatalf("err = %v, want ErrPollExhausted", err)
	}
	if cdn.gets != 4 {
		t.Fatalf("gets = %d, want 4", cdn.gets)
	}
	if inv == nil || inv.Status != StatusInProgress {
		t.Fatalf("inv = %+v", inv)
	}
}

func TestInvalidate_GetErrorPropagates(t *testing.T) {
	cdn := &fakeCDN{getErr: errors.New("AccessDenied")}
	c, _ := newTestCoordinator(withDistribution(), cdn, Options{Service: "s", Stage: "d"})
	if _, err := c.Invalidate(context.Background(), []string{"/*"}); err == nil || !strings.Contains(err.Error(), "INV123") {
		t.Fatalf("err = %v", err)
	}
}

func TestInvalidate_CancelStopsPolling(t *testing.T) {
	cdn := &fakeCDN{}
	c := New(withDistribution(), cdn, Options{Service: "s", Stage: "d", PollInterval: time.Hour, MaxPollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Invalidate(ctx, []string{"/*"})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Invalidate did not return after cancel")
	}
	if cdn.gets != 0 {
		t.Fatalf("gets = %d, want 0", cdn.gets)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(nil, nil, Options{Service: "a", Stage: "b"})
	if c.pollInterval != DefaultPollInterval || c.maxPollInterval != DefaultMaxPollInterval || c.maxAttempts != DefaultMaxAttempts {
		t.Fatalf("defaults = %v %v %d", c.pollInterval, c.maxPollInterval, c.maxAttempts)
	}
	if c.stackName != "a-b" {
		t.Fatalf("stackName = %q", c.stackName)
	}
}

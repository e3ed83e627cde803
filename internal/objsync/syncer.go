// Package objsync uploads a client build to a bucket and empties buckets.
package objsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/fullstack-deploy/internal/cryptoutil"
	"github.com/keithlinneman/fullstack-deploy/internal/log"
	"github.com/keithlinneman/fullstack-deploy/internal/xerrors"
)

const (
	DefaultConcurrency = 16

	// DeleteObjects accepts at most this many keys per request
	maxDeleteBatch = 1000
)

// S3API is the subset of *s3.Client the syncer uses.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Metrics is implemented by the metrics package to observe sync activity.
type Metrics interface {
	ObserveUpload(bytes int64, d time.Duration, err error)
	AddObjectsDeleted(n int)
	AddDeleteErrors(n int)
}

// Policy controls how UploadDirectory reacts to a failed put.
type Policy int

const (
	// FailFast cancels outstanding puts on the first failure and returns it.
	FailFast Policy = iota
	// BestEffort attempts every file and returns all failures joined.
	BestEffort
)

type Options struct {
	Logger log.Logger

	// Concurrency caps in-flight puts. Zero uses DefaultConcurrency.
	Concurrency int

	// RateLimit caps put requests per second. Zero means unlimited.
	RateLimit float64

	Policy  Policy
	Metrics Metrics
}

type Syncer struct {
	client      S3API
	logger      log.Logger
	concurrency int
	limiter     *rate.Limiter
	policy      Policy
	metrics     Metrics
}

func New(client S3API, opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	s := &Syncer{
		client:      client,
		logger:      opts.Logger,
		concurrency: opts.Concurrency,
		policy:      opts.Policy,
		metrics:     opts.Metrics,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s
}

// BucketExists reports whether bucket exists and is reachable. Not-found is
// (false, nil); any other failure is returned.
func (s *Syncer) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return false, nil
		}
	}
	return false, xerrors.Wrapf(err, "head bucket %s", bucket)
}

// EmptyBucket deletes every object in bucket and returns how many were
// removed. Listing is paginated and deletes go out in batches of at most
// 1000 keys. Per-key failures reported by S3 are returned as an error.
func (s *Syncer) EmptyBucket(ctx context.Context, bucket string) (int, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})

	deleted := 0
	var failures []error
	batch := make([]types.ObjectIdentifier, 0, maxDeleteBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return xerrors.Wrapf(err, "delete %d objects from %s", len(batch), bucket)
		}
		for _, e := range out.Errors {
			failures = append(failures, fmt.Errorf("delete s3://%s/%s: %s: %s",
				bucket, aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
		ok := len(batch) - len(out.Errors)
		deleted += ok
		if s.metrics != nil {
			s.metrics.AddObjectsDeleted(ok)
			s.metrics.AddDeleteErrors(len(out.Errors))
		}
		batch = batch[:0]
		return nil
	}

	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return deleted, xerrors.Wrapf(err, "list objects in %s", bucket)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == maxDeleteBatch {
				if err := flush(); err != nil {
					return deleted, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return deleted, err
	}

	if len(failures) > 0 {
		return deleted, xerrors.Wrapf(errors.Join(failures...), "empty bucket %s: %d objects not deleted", bucket, len(failures))
	}
	if deleted == 0 {
		s.logger.Debug(ctx, "bucket already empty", "bucket", bucket)
	} else {
		s.logger.Info(ctx, "bucket emptied", "bucket", bucket, "deleted", deleted)
	}
	return deleted, nil
}

// UploadFailure records one file that could not be uploaded.
type UploadFailure struct {
	Key string
	Err error
}

type UploadReport struct {
	Files    int
	Uploaded int
	Bytes    int64
	Failed   []UploadFailure
}

// UploadUnit is a single put request before it is sent.
type UploadUnit struct {
	Path        string
	Key         string
	Body        []byte
	ContentType string
	Headers     HeaderSet

	// Checksum is the base64 SHA-256 S3 verifies the body against.
	Checksum string
}

type uploadResult struct {
	key   string
	bytes int64
	err   error
}

// UploadDirectory puts every regular file under root into bucket, keyed by
// its slash-separated path relative to root, with content type and header
// overlay resolved per key.
func (s *Syncer) UploadDirectory(ctx context.Context, bucket, root string, rules Rules) (UploadReport, error) {
	var report UploadReport

	r, abs, err := openRoot(root)
	if err != nil {
		return report, err
	}
	defer r.Close()

	files, err := walkRoot(r, abs)
	if err != nil {
		return report, err
	}
	report.Files = len(files)
	if len(files) == 0 {
		s.logger.Info(ctx, "no client files to upload", "root", abs)
		return report, nil
	}

	table := compileRules(rules)
	s.logger.Info(ctx, "uploading client files",
		"bucket", bucket,
		"files", len(files),
		"concurrency", s.concurrency,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan uploadResult, len(files))
	var wg sync.WaitGroup

	// limits concurrent put requests
	sem := make(chan struct{}, s.concurrency)

	for _, f := range files {
		wg.Add(1)
		go func(f File) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results <- uploadResult{key: f.Key, err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			n, err := s.uploadOne(ctx, r, bucket, f, table)
			results <- uploadResult{key: f.Key, bytes: n, err: err}
		}(f)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// collect on the caller goroutine, no mutex needed
	var first error
	for res := range results {
		if res.err == nil {
			report.Uploaded++
			report.Bytes += res.bytes
			continue
		}
		if first != nil && s.policy == FailFast && errors.Is(res.err, context.Canceled) {
			// fallout from our own cancel, not a separate failure
			continue
		}
		report.Failed = append(report.Failed, UploadFailure{Key: res.key, Err: res.err})
		if first == nil {
			first = res.err
			if s.policy == FailFast {
				cancel()
			}
		}
	}

	if first == nil {
		s.logger.Info(ctx, "client files uploaded", "bucket", bucket, "files", report.Uploaded, "bytes", report.Bytes)
		return report, nil
	}
	if s.policy == FailFast {
		return report, first
	}
	errs := make([]error, 0, len(report.Failed))
	for _, f := range report.Failed {
		errs = append(errs, f.Err)
	}
	return report, xerrors.Wrapf(errors.Join(errs...), "%d of %d uploads failed", len(report.Failed), report.Files)
}

func (s *Syncer) uploadOne(ctx context.Context, r fsRoot, bucket string, f File, table *ruleTable) (int64, error) {
	unit, err := s.prepare(r, f, table)
	if err != nil {
		return 0, err
	}

	in := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(unit.Key),
		Body:        bytes.NewReader(unit.Body),
		ContentType: aws.String(unit.ContentType),

		ChecksumSHA256: aws.String(unit.Checksum),
	}
	if err := unit.Headers.apply(in); err != nil {
		return 0, xerrors.Wrapf(err, "headers for %s", unit.Key)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	start := time.Now()
	_, err = s.client.PutObject(ctx, in)
	if s.metrics != nil {
		s.metrics.ObserveUpload(int64(len(unit.Body)), time.Since(start), err)
	}
	if err != nil {
		return 0, xerrors.Wrapf(err, "put s3://%s/%s", bucket, unit.Key)
	}
	s.logger.Debug(ctx, "uploaded", "key", unit.Key, "bytes", len(unit.Body), "content_type", unit.ContentType)
	return int64(len(unit.Body)), nil
}

// fsRoot is satisfied by *os.Root.
type fsRoot interface {
	FS() fs.FS
}

func (s *Syncer) prepare(r fsRoot, f File, table *ruleTable) (UploadUnit, error) {
	body, err := fs.ReadFile(r.FS(), f.Rel)
	if err != nil {
		return UploadUnit{}, xerrors.Wrapf(err, "read %s", f.Path)
	}
	return UploadUnit{
		Path:        f.Path,
		Key:         f.Key,
		Body:        body,
		ContentType: ContentType(f.Key),
		Headers:     table.resolve(f.Key),
		Checksum:    cryptoutil.SHA256Base64(body),
	}, nil
}

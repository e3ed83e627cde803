package objsync

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 is an in-memory bucket that counts requests.
type fakeS3 struct {
	mu sync.Mutex

	objects  map[string]*s3.PutObjectInput
	bodies   map[string][]byte
	pageSize int

	headErr   error
	putErr    map[string]error
	deleteErr map[string]string // key -> error code returned per key

	heads, lists, deletes, puts int
	deleteBatches               []int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  map[string]*s3.PutObjectInput{},
		bodies:   map[string][]byte{},
		pageSize: 1000,
	}
}

func (f *fakeS3) seed(n int) {
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("obj-%05d", i)
		f.objects[k] = &s3.PutObjectInput{Key: aws.String(k)}
	}
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// the token is the last key returned, so deletes between pages are safe
	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = sort.SearchStrings(keys, tok)
		if start < len(keys) && keys[start] == tok {
			start++
		}
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end-1])
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	f.deleteBatches = append(f.deleteBatches, len(in.Delete.Objects))

	out := &s3.DeleteObjectsOutput{}
	for _, o := range in.Delete.Objects {
		k := aws.ToString(o.Key)
		if code, ok := f.deleteErr[k]; ok {
			out.Errors = append(out.Errors, types.Error{Key: aws.String(k), Code: aws.String(code), Message: aws.String("denied")})
			continue
		}
		delete(f.objects, k)
	}
	return out, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	k := aws.ToString(in.Key)
	if err := f.putErr[k]; err != nil {
		return nil, err
	}
	f.objects[k] = in
	f.bodies[k] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads + f.lists + f.deletes + f.puts
}

func notFound(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "not found"}
}

package s3fs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// fakeBucket is an in-memory ObjectAPI for one bucket. Listings page at
// pageSize entries so continuation tokens are exercised.
type fakeBucket struct {
	mu       sync.Mutex
	bucket   string
	objects  map[string]*fakeObject
	pageSize int
	calls    map[string]int
	failKeys map[string]bool
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		bucket:   "test-bucket",
		objects:  make(map[string]*fakeObject),
		pageSize: 2,
		calls:    make(map[string]int),
		failKeys: make(map[string]bool),
	}
}

func (f *fakeBucket) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

func (f *fakeBucket) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.objects[key]

	return ok
}

func (f *fakeBucket) object(key string) *fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.objects[key]
}

func (f *fakeBucket) seed(key, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[key] = &fakeObject{data: []byte(data), modified: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeBucket) begin(ctx context.Context, op string, bucket *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.calls[op]++

	if aws.ToString(bucket) != f.bucket {
		return &types.NoSuchBucket{Message: aws.String(aws.ToString(bucket))}
	}

	return nil
}

func (f *fakeBucket) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "HeadObject", in.Bucket); err != nil {
		return nil, err
	}

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeBucket) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "GetObject", in.Bucket); err != nil {
		return nil, err
	}

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(obj.data))),
		ContentLength: aws.Int64(int64(len(obj.data))),
	}, nil
}

func (f *fakeBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "PutObject", in.Bucket); err != nil {
		return nil, err
	}

	if in.ContentLength != nil && *in.ContentLength != int64(len(data)) {
		return nil, fmt.Errorf("content length %d, body %d", *in.ContentLength, len(data))
	}

	f.objects[aws.ToString(in.Key)] = &fakeObject{
		data:        data,
		contentType: aws.ToString(in.ContentType),
		modified:    time.Now(),
	}

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "DeleteObject", in.Bucket); err != nil {
		return nil, err
	}

	delete(f.objects, aws.ToString(in.Key))

	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBucket) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "DeleteObjects", in.Bucket); err != nil {
		return nil, err
	}

	out := &s3.DeleteObjectsOutput{}

	for _, id := range in.Delete.Objects {
		key := aws.ToString(id.Key)
		if f.failKeys[key] {
			out.Errors = append(out.Errors, types.Error{
				Key:     id.Key,
				Code:    aws.String("AccessDenied"),
				Message: aws.String("denied"),
			})

			continue
		}

		delete(f.objects, key)
	}

	return out, nil
}

func (f *fakeBucket) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "CopyObject", in.Bucket); err != nil {
		return nil, err
	}

	bucket, rawKey, ok := strings.Cut(aws.ToString(in.CopySource), "/")
	if !ok || bucket != f.bucket {
		return nil, &types.NoSuchBucket{}
	}

	key, err := url.PathUnescape(rawKey)
	if err != nil {
		return nil, err
	}

	src, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	cp := *src
	cp.data = append([]byte(nil), src.data...)
	f.objects[aws.ToString(in.Key)] = &cp

	return &s3.CopyObjectOutput{}, nil
}

// ListObjectsV2 pages over the sorted union of matching keys and common
// prefixes. The continuation token is the index of the next entry.
func (f *fakeBucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(ctx, "ListObjectsV2", in.Bucket); err != nil {
		return nil, err
	}

	prefix, delim := aws.ToString(in.Prefix), aws.ToString(in.Delimiter)

	type entry struct {
		name     string
		isPrefix bool
	}

	seen := map[string]bool{}

	var entries []entry

	for key := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		rest := strings.TrimPrefix(key, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					entries = append(entries, entry{name: cp, isPrefix: true})
				}

				continue
			}
		}

		entries = append(entries, entry{name: key})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, err
		}

		start = n
	}

	limit := f.pageSize
	if in.MaxKeys != nil && int(*in.MaxKeys) < limit {
		limit = int(*in.MaxKeys)
	}

	end := min(len(entries), start+limit)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(entries))}
	if end < len(entries) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}

	for _, e := range entries[start:end] {
		if e.isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e.name)})

			continue
		}

		obj := f.objects[e.name]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(e.name),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}

	out.KeyCount = aws.Int32(int32(len(out.Contents) + len(out.CommonPrefixes)))

	return out, nil
}

var _ ObjectAPI = (*fakeBucket)(nil)

func newTestProvider(t *testing.T, prefix string) (*Provider, *fakeBucket) {
	t.Helper()

	f := newFakeBucket()

	p, err := New(f, Options{Bucket: f.bucket, Prefix: prefix}, nil)
	require.NoError(t, err)

	return p, f
}

// Package objectstore implements the s3 capability module: bucket-bound
// object stores on S3 or any S3-compatible endpoint.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/ports"
)

// DefaultRegion is used when a bucket declares none.
const DefaultRegion = "us-east-1"

// Options configures one bucket. It is read from <NAME>_S3_BUCKET and the
// sibling _S3_REGION, _S3_ACCESS_KEY_ID, _S3_ACCESS_KEY_SECRET and
// _S3_ENDPOINT variables.
type Options struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	AccessKeySecret string

	// Endpoint selects an S3-compatible server and path-style addressing.
	Endpoint string
}

// OptionsFromEnv collects bucket options keyed by name.
func OptionsFromEnv(env ports.Env) map[string]Options {
	out := make(map[string]Options)
	for name, bucket := range env.GetByPostfix("s3Bucket") {
		out[name] = Options{
			Bucket:          bucket,
			Region:          env.Get(name + "S3Region"),
			AccessKeyID:     env.Get(name + "S3AccessKeyId"),
			AccessKeySecret: env.Get(name + "S3AccessKeySecret"),
			Endpoint:        env.Get(name + "S3Endpoint"),
		}
	}
	return out
}

// Buckets holds the configured object stores.
type Buckets struct {
	buckets map[string]*Bucket
}

var _ ports.Storage = (*Buckets)(nil)

// Open builds a client per bucket. No request is made until first use.
func Open(ctx context.Context, opts map[string]Options) (*Buckets, error) {
	b := &Buckets{buckets: make(map[string]*Bucket, len(opts))}

	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		bucket, err := New(ctx, opts[name])
		if err != nil {
			return nil, fmt.Errorf("s3 %s: %w", name, err)
		}
		b.buckets[name] = bucket
	}
	return b, nil
}

// Bucket returns the named store.
func (b *Buckets) Bucket(name string) (ports.ObjectStore, error) {
	bucket, ok := b.buckets[name]
	if !ok {
		return nil, fmt.Errorf("unknown bucket name %s", name)
	}
	return bucket, nil
}

// Bucket is an object store bound to one S3 bucket.
type Bucket struct {
	name    string
	client  *s3.Client
	presign *s3.PresignClient
}

var _ ports.ObjectStore = (*Bucket)(nil)

// New creates a store for one bucket. Static credentials are used when both
// key parts are set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, o Options) (*Bucket, error) {
	if o.Bucket == "" {
		return nil, failure.Configuration("bucket name is empty")
	}
	if (o.AccessKeyID == "") != (o.AccessKeySecret == "") {
		return nil, failure.Configuration("bucket %s: access key id and secret must be set together", o.Bucket)
	}
	region := o.Region
	if region == "" {
		region = DefaultRegion
	}

	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if o.AccessKeyID != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.AccessKeySecret, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = true
		}
	})
	return &Bucket{name: o.Bucket, client: client, presign: s3.NewPresignClient(client)}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Put uploads body. Non-seekable bodies are buffered so the payload can be
// signed.
func (b *Bucket) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if _, ok := body.(io.ReadSeeker); !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (b *Bucket) Get(ctx context.Context, key string) (io.ReadCloser, ports.ObjectInfo, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ports.ObjectInfo{}, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, ports.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", key, err)
}

// List returns up to limit objects under prefix. A limit of 0 lists all.
func (b *Bucket) List(ctx context.Context, prefix string, limit int) ([]ports.ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	}
	if limit > 0 && limit < 1000 {
		input.MaxKeys = aws.Int32(int32(limit))
	}

	var out []ports.ObjectInfo
	pages := s3.NewListObjectsV2Paginator(b.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, ports.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (b *Bucket) URL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

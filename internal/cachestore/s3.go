package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Store is an optional cache backend projecting the same key layout onto
// S3 objects, for operators who want the cache directory to survive host
// replacement. It implements the same Store interface as FSStore; every
// caller is backend-agnostic.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed cache store. Credentials, region, and
// endpoint are resolved via the standard AWS SDK default credential chain.
func NewS3Store(ctx context.Context, bucket, prefix string, forcePathStyle bool) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
	})

	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// Init creates the bucket if it doesn't already exist.
func (s *S3Store) Init(ctx context.Context) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var baoby *types.BucketAlreadyOwnedByYou
		var bae *types.BucketAlreadyExists
		if errors.As(err, &baoby) || errors.As(err, &bae) || strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") || strings.Contains(err.Error(), "BucketAlreadyExists") {
			slog.Debug("bucket already exists", "bucket", s.bucket)
			return nil
		}
		return fmt.Errorf("creating bucket: %w", err)
	}
	return nil
}

func (s *S3Store) cacheKey(encoded string) string {
	return s.prefix + "cache/" + encoded + ".json"
}

func (s *S3Store) rawKey(encoded string) string {
	return s.prefix + "cache/raw/" + encoded + ".json"
}

func (s *S3Store) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	encoded, err := Encode(name)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.cacheKey(encoded))})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

func (s *S3Store) Put(ctx context.Context, name string, body []byte) error {
	encoded, err := Encode(name)
	if err != nil {
		return err
	}
	// Plain overwrite put — cache entries are not content-addressed (a sync
	// update replaces the same key with new bytes), so the "last writer
	// wins" rule applies.
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.cacheKey(encoded)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting cache entry to S3: %w", err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, name string) error {
	encoded, err := Encode(name)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.cacheKey(encoded))})
	return err
}

func (s *S3Store) Size(ctx context.Context, name string) (int64, error) {
	encoded, err := Encode(name)
	if err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.cacheKey(encoded))})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3Store) StageRaw(ctx context.Context, name string, body io.Reader) error {
	encoded, err := Encode(name)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	// Plain overwrite put: a stage left behind by a failed parse or a crash
	// mid-trim is replaced by the newest upstream body.
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.rawKey(encoded)),
		Body:   bytes.NewReader(data),
	}, s3.WithAPIOptions(func(stack *middleware.Stack) error {
		return v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware(stack)
	}))
	if err != nil {
		return fmt.Errorf("staging raw body to S3: %w", err)
	}
	return nil
}

func (s *S3Store) ReadRaw(ctx context.Context, name string) (io.ReadCloser, error) {
	encoded, err := Encode(name)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.rawKey(encoded))})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

func (s *S3Store) DeleteRaw(ctx context.Context, name string) error {
	encoded, err := Encode(name)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.rawKey(encoded))})
	return err
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed || re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}

var _ Store = (*S3Store)(nil)

// Package s3store implements objstore.Store on an S3-compatible bucket
// using the AWS SDK. Multipart uploads map directly onto the S3
// multipart API; CompleteMultipart completes at the session key and
// then copies the composed object to its final content-addressed key.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"ocistore.dev/go/ocistore/objstore"
)

// Options configures access to the bucket.
type Options struct {
	// Endpoint overrides the S3 endpoint, for S3-compatible stores
	// such as MinIO. Empty means the standard AWS endpoint.
	Endpoint string

	Region string
	Bucket string

	// AccessKey and SecretKey are static credentials. When both are
	// empty the SDK's default credential chain is used.
	AccessKey string
	SecretKey string

	// UsePathStyle addresses the bucket as a path component rather
	// than a virtual host, which most S3-compatible stores require.
	UsePathStyle bool
}

// Store implements objstore.Store against one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

var _ objstore.Store = (*Store)(nil)

// New returns a Store using an existing S3 client.
func New(client *s3.Client, bucket string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
	}
}

// Open builds an S3 client from opts and returns a Store for the
// configured bucket.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("no bucket configured")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" || opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return New(client, opts.Bucket), nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, objstore.ErrNotFound
		}
		return nil, fmt.Errorf("cannot get object %q: %w", key, err)
	}
	return out.Body, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("cannot head object %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) Put(ctx context.Context, key string, size int64, content io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          content,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("cannot put object %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("cannot delete object %q: %w", key, err)
	}
	return nil
}

func (s *Store) CreateMultipart(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("cannot create multipart upload for %q: %w", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *Store) UploadPart(ctx context.Context, key, uploadID string, number int32, size int64, content io.Reader) (objstore.Part, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(number),
		Body:          content,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return objstore.Part{}, fmt.Errorf("cannot upload part %d of %q: %w", number, key, err)
	}
	return objstore.Part{
		Number: number,
		ETag:   aws.ToString(out.ETag),
	}, nil
}

func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []objstore.Part, finalKey string) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.Number),
		}
		if p.ETag != "" {
			completed[i].ETag = aws.String(p.ETag)
		}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return fmt.Errorf("cannot complete multipart upload for %q: %w", key, err)
	}
	if finalKey == key {
		return nil
	}
	// S3 can only complete at the key the upload was initiated under,
	// so move the composed object to its content-addressed key.
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + key),
		Key:        aws.String(finalKey),
	})
	if err != nil {
		return fmt.Errorf("cannot copy %q to %q: %w", key, finalKey, err)
	}
	return s.Delete(ctx, key)
}

func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("cannot abort multipart upload for %q: %w", key, err)
	}
	return nil
}

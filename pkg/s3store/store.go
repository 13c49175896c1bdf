package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

const (
	// maxListKeys is the maximum amount of keys to be returned by a single S3
	// list objects API response.
	maxListKeys = 200
)

// Store is a thin wrapper around the S3 API covering the operations the init
// workflow needs: listing keys under a prefix, downloading single objects,
// uploading the published artifact, and reading object metadata back.
type Store struct {
	s3 s3iface.S3API
}

// New configures an S3 client for the given region and returns a Store.
// Credentials are resolved from the standard AWS chain (environment,
// shared config, instance role); missing credentials are reported here so
// the job can fail at startup rather than on its first request.
func New(region string) (*Store, error) {
	awsSession, err := session.NewSession(aws.NewConfig().WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("could not create AWS session: %v", err)
	}
	if _, err := awsSession.Config.Credentials.Get(); err != nil {
		return nil, fmt.Errorf("no AWS credentials available: %v", err)
	}
	return &Store{s3: s3.New(awsSession)}, nil
}

// NewWithClient returns a Store backed by the given client. Tests use this to
// substitute a mock implementation of the S3 API.
func NewWithClient(client s3iface.S3API) *Store {
	return &Store{s3: client}
}

// ListKeys returns every object key in bucket beginning with prefix.
func (s *Store) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	err := s.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int64(maxListKeys),
	}, func(out *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range out.Contents {
			keys = append(keys, *obj.Key)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list 's3://%s/%s': %v", bucket, prefix, err)
	}
	return keys, nil
}

// Download copies the object at bucket/key into w. It returns the number of
// bytes written alongside the content length reported by S3 so callers can
// detect truncated transfers.
func (s *Store) Download(ctx context.Context, bucket, key string, w io.Writer) (written, expected int64, err error) {
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to retrieve 's3://%s/%s': %v", bucket, key, err)
	}
	defer out.Body.Close()

	expected = aws.Int64Value(out.ContentLength)
	written, err = io.Copy(w, out.Body)
	if err != nil {
		return written, expected, fmt.Errorf("failed to read body from S3 response for 's3://%s/%s': %v", bucket, key, err)
	}
	return written, expected, nil
}

// Upload writes data to bucket/key, overwriting any existing object at that
// key.
func (s *Store) Upload(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to put 's3://%s/%s': %v", bucket, key, err)
	}
	return nil
}

// Head returns the content length and ETag of the object at bucket/key. The
// ETag is returned without surrounding quotes.
func (s *Store) Head(ctx context.Context, bucket, key string) (length int64, etag string, err error) {
	out, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to head 's3://%s/%s': %v", bucket, key, err)
	}
	return aws.Int64Value(out.ContentLength), strings.Trim(aws.StringValue(out.ETag), `"`), nil
}

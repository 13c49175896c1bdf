// Package publish uploads the continent-setfinder artifact to the object
// storage location downstream stages read it from.
package publish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/swot-confluence/init-workflow/pkg/s3store"
)

const (
	defaultMaxAttempts   = 3
	defaultRetryInterval = 500 * time.Millisecond
	defaultTimeout       = time.Minute
)

// Options bound the publisher's retry policy and per-request timeout.
type Options struct {
	MaxAttempts   uint64
	RetryInterval time.Duration
	Timeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.Timeout == 0 {
		o.Timeout = defaultTimeout
	}
	return o
}

// Receipt confirms a verified upload.
type Receipt struct {
	Bucket string
	Key    string
	ETag   string
	Bytes  int64
}

// PublishError indicates the artifact upload could not be completed and
// verified within the bounded retry policy. Downstream stages cannot discover
// their work without the artifact, so this is fatal.
type PublishError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish 's3://%s/%s': %v", e.Bucket, e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Publisher uploads artifacts and verifies them by reading metadata back.
type Publisher struct {
	logger log.FieldLogger
	store  *s3store.Store
	opts   Options
}

func NewPublisher(logger log.FieldLogger, store *s3store.Store, opts Options) *Publisher {
	return &Publisher{
		logger: logger,
		store:  store,
		opts:   opts.withDefaults(),
	}
}

// Publish uploads data to bucket/key, overwriting any prior object, and
// confirms the stored object's size and checksum match the local artifact.
// A failed or mismatched attempt is retried with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, bucket, key string, data []byte) (*Receipt, error) {
	logger := p.logger.WithFields(log.Fields{"bucket": bucket, "key": key})

	sum := md5.Sum(data)
	localETag := hex.EncodeToString(sum[:])

	var receipt *Receipt
	op := func() error {
		opCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()

		if err := p.store.Upload(opCtx, bucket, key, data); err != nil {
			return err
		}

		length, etag, err := p.store.Head(opCtx, bucket, key)
		if err != nil {
			return err
		}
		if length != int64(len(data)) {
			return fmt.Errorf("uploaded object is %d bytes, expected %d", length, len(data))
		}
		// Multipart ETags are not MD5 digests; the artifact is small enough
		// that single-part uploads are the only case here.
		if !strings.Contains(etag, "-") && etag != localETag {
			return fmt.Errorf("uploaded object checksum %s does not match local %s", etag, localETag)
		}

		receipt = &Receipt{Bucket: bucket, Key: key, ETag: etag, Bytes: length}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInterval
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).Warnf("publish attempt failed, retrying in %s", wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, p.opts.MaxAttempts-1), ctx), notify)
	if err != nil {
		return nil, &PublishError{Bucket: bucket, Key: key, Err: err}
	}

	logger.WithField("bytes", receipt.Bytes).Info("published artifact")
	return receipt, nil
}

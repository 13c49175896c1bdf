package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/swot-confluence/init-workflow/pkg/s3store"
)

const (
	defaultMaxAttempts   = 3
	defaultRetryInterval = 500 * time.Millisecond
	defaultTimeout       = 5 * time.Minute

	stagePerms os.FileMode = 0755
	filePerms  os.FileMode = 0644
)

// Options bound the fetcher's retry policy and per-request timeout.
type Options struct {
	// MaxAttempts is the total number of tries per network operation.
	MaxAttempts uint64
	// RetryInterval is the initial backoff interval between retries.
	RetryInterval time.Duration
	// Timeout bounds each individual network operation.
	Timeout time.Duration
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

// Fetcher downloads datasets into staging directories and commits them to
// their final path with a rename, so a partially transferred dataset is never
// visible under the final name.
type Fetcher struct {
	logger log.FieldLogger
	store  *s3store.Store
	opts   Options
}

func NewFetcher(logger log.FieldLogger, store *s3store.Store, opts Options) *Fetcher {
	return &Fetcher{
		logger: logger,
		store:  store,
		opts:   opts.withDefaults(),
	}
}

// Fetch makes desc's local copy current. When the presence predicate is
// already satisfied no network call is made at all.
func (f *Fetcher) Fetch(ctx context.Context, desc Descriptor) FetchResult {
	logger := f.logger.WithField("dataset", desc.Name)

	if Present(desc) {
		logger.Infof("dataset already present at %s, skipping fetch", desc.Dest)
		return FetchResult{Dataset: desc.Name, Outcome: OutcomeAlreadyPresent}
	}

	result, err := f.fetch(ctx, desc, logger)
	if err != nil {
		return FetchResult{
			Dataset: desc.Name,
			Outcome: OutcomeFailed,
			Err:     &FetchError{Dataset: desc.Name, Err: err},
		}
	}

	logger.WithFields(log.Fields{
		"objects": result.Objects,
		"bytes":   result.Bytes,
	}).Infof("fetched dataset to %s", desc.Dest)
	return result
}

func (f *Fetcher) fetch(ctx context.Context, desc Descriptor, logger log.FieldLogger) (FetchResult, error) {
	keys, err := f.listKeys(ctx, desc, logger)
	if err != nil {
		return FetchResult{}, err
	}

	type remoteObject struct {
		key string
		rel string
	}
	var objects []remoteObject
	for _, key := range keys {
		if rel := desc.relPath(key); rel != "" {
			objects = append(objects, remoteObject{key: key, rel: rel})
		}
	}
	if len(objects) < desc.minObjects() {
		return FetchResult{}, fmt.Errorf("remote source 's3://%s/%s' lists %d objects, expected at least %d",
			desc.Bucket, desc.Prefix, len(objects), desc.minObjects())
	}

	if err := os.MkdirAll(filepath.Dir(desc.Dest), stagePerms); err != nil {
		return FetchResult{}, fmt.Errorf("could not create parent of '%s': %v", desc.Dest, err)
	}

	// Stage in a sibling of the final directory so the commit rename stays on
	// one filesystem.
	staging, err := os.MkdirTemp(filepath.Dir(desc.Dest), "."+desc.Name+"-staging-")
	if err != nil {
		return FetchResult{}, fmt.Errorf("could not create staging directory: %v", err)
	}
	defer os.RemoveAll(staging)

	var total int64
	for _, obj := range objects {
		n, err := f.downloadObject(ctx, desc.Bucket, obj.key, filepath.Join(staging, obj.rel), logger)
		if err != nil {
			return FetchResult{}, err
		}
		total += n
	}

	sentinel := Sentinel{
		Dataset:   desc.Name,
		Objects:   len(objects),
		Bytes:     total,
		FetchedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&sentinel)
	if err != nil {
		return FetchResult{}, fmt.Errorf("could not encode sentinel: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, SentinelName), data, filePerms); err != nil {
		return FetchResult{}, fmt.Errorf("could not write sentinel: %v", err)
	}

	// Clear the debris of any interrupted prior attempt, then commit.
	if _, err := os.Stat(desc.Dest); err == nil {
		if err := os.RemoveAll(desc.Dest); err != nil {
			return FetchResult{}, fmt.Errorf("could not remove stale copy at '%s': %v", desc.Dest, err)
		}
	}
	if err := os.Rename(staging, desc.Dest); err != nil {
		return FetchResult{}, fmt.Errorf("could not commit staged dataset to '%s': %v", desc.Dest, err)
	}

	return FetchResult{
		Dataset: desc.Name,
		Outcome: OutcomeFetched,
		Objects: len(objects),
		Bytes:   total,
	}, nil
}

// listKeys resolves the full remote key set for desc: the prefix listing plus
// any exact extra keys.
func (f *Fetcher) listKeys(ctx context.Context, desc Descriptor, logger log.FieldLogger) ([]string, error) {
	var keys []string
	if desc.Prefix != "" {
		op := func() error {
			opCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
			defer cancel()

			listed, err := f.store.ListKeys(opCtx, desc.Bucket, desc.Prefix)
			if err != nil {
				return err
			}
			keys = listed
			return nil
		}
		if err := backoff.RetryNotify(op, f.newBackOff(ctx), retryLogger(logger, "listing")); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		seen[key] = true
	}
	for _, key := range desc.ExtraKeys {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// downloadObject retrieves one object into localPath, retrying transient
// failures with exponential backoff. A failed or truncated attempt removes
// the partial file before the next try.
func (f *Fetcher) downloadObject(ctx context.Context, bucket, key, localPath string, logger log.FieldLogger) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), stagePerms); err != nil {
		return 0, fmt.Errorf("could not create directory for '%s': %v", localPath, err)
	}

	var written int64
	op := func() error {
		opCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()

		file, err := os.Create(localPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("could not create '%s': %v", localPath, err))
		}

		n, expected, err := f.store.Download(opCtx, bucket, key, file)
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("could not flush '%s': %v", localPath, closeErr)
		}
		if err == nil && n != expected {
			err = fmt.Errorf("short download of 's3://%s/%s': got %d of %d bytes", bucket, key, n, expected)
		}
		if err != nil {
			os.Remove(localPath)
			return err
		}
		written = n
		return nil
	}

	if err := backoff.RetryNotify(op, f.newBackOff(ctx), retryLogger(logger, key)); err != nil {
		return 0, err
	}
	return written, nil
}

func (f *Fetcher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.RetryInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, f.opts.MaxAttempts-1), ctx)
}

func retryLogger(logger log.FieldLogger, subject string) backoff.Notify {
	return func(err error, wait time.Duration) {
		logger.WithError(err).Warnf("%s failed, retrying in %s", subject, wait)
	}
}

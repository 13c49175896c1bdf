package publish

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swot-confluence/init-workflow/pkg/s3store"
	"github.com/swot-confluence/init-workflow/pkg/s3store/s3testing"
)

const (
	testBucket = "confluence-dev1-json"
	testKey    = "continent-setfinder.json"
)

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func newTestPublisher(mock *s3testing.MockS3) *Publisher {
	opts := Options{MaxAttempts: 3, RetryInterval: time.Millisecond, Timeout: time.Second}
	return NewPublisher(testLogger(), s3store.NewWithClient(mock), opts)
}

func TestPublishStoresAndVerifies(t *testing.T) {
	mock := s3testing.NewMockS3()
	mock.NewBucket(testBucket)

	artifact := []byte(`{"continents":["NA"]}`)
	receipt, err := newTestPublisher(mock).Publish(context.Background(), testBucket, testKey, artifact)
	require.NoError(t, err)

	assert.Equal(t, testBucket, receipt.Bucket)
	assert.Equal(t, testKey, receipt.Key)
	assert.Equal(t, int64(len(artifact)), receipt.Bytes)

	sum := md5.Sum(artifact)
	assert.Equal(t, hex.EncodeToString(sum[:]), receipt.ETag)

	stored, ok := mock.GetKey(testBucket, testKey)
	require.True(t, ok)
	assert.Equal(t, artifact, stored)
	assert.Equal(t, 1, mock.HeadCalls)
}

func TestPublishOverwritesPriorVersion(t *testing.T) {
	mock := s3testing.NewMockS3()
	mock.NewBucket(testBucket)
	mock.PutKey(testBucket, testKey, []byte(`{"continents":["EU"]}`))

	artifact := []byte(`{"continents":["NA"]}`)
	_, err := newTestPublisher(mock).Publish(context.Background(), testBucket, testKey, artifact)
	require.NoError(t, err)

	stored, ok := mock.GetKey(testBucket, testKey)
	require.True(t, ok)
	assert.Equal(t, artifact, stored)
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	mock := s3testing.NewMockS3()
	mock.NewBucket(testBucket)
	mock.FailPuts = 2

	_, err := newTestPublisher(mock).Publish(context.Background(), testBucket, testKey, []byte("artifact"))
	require.NoError(t, err)
	assert.Equal(t, 3, mock.PutCalls)
}

func TestPublishFailsAfterExhaustedRetriesAndKeepsPriorObject(t *testing.T) {
	mock := s3testing.NewMockS3()
	mock.NewBucket(testBucket)

	prior := []byte(`{"continents":["EU"]}`)
	mock.PutKey(testBucket, testKey, prior)
	mock.FailPuts = 10

	_, err := newTestPublisher(mock).Publish(context.Background(), testBucket, testKey, []byte("new artifact"))
	require.Error(t, err)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, testBucket, pubErr.Bucket)
	assert.Equal(t, testKey, pubErr.Key)
	assert.Equal(t, 3, mock.PutCalls)

	// The previous version at the key remains intact.
	stored, ok := mock.GetKey(testBucket, testKey)
	require.True(t, ok)
	assert.Equal(t, prior, stored)
}

func TestPublishRetriesFailedVerification(t *testing.T) {
	mock := s3testing.NewMockS3()
	mock.NewBucket(testBucket)
	mock.FailHeads = 1

	_, err := newTestPublisher(mock).Publish(context.Background(), testBucket, testKey, []byte("artifact"))
	require.NoError(t, err)
	assert.Equal(t, 2, mock.PutCalls)
	assert.Equal(t, 2, mock.HeadCalls)
}

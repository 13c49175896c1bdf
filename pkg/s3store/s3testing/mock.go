package s3testing

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io/ioutil"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

func NewMockS3() *MockS3 {
	return &MockS3{
		buckets: map[string]map[string][]byte{},
	}
}

// MockS3 mimics an S3 blob store for testing. The Fail* counters make the
// next N calls of the matching operation return an error, which is how tests
// exercise the retry and abort paths. TruncateGets simulates an interrupted
// transfer by reporting a content length larger than the body delivered.
type MockS3 struct {
	sync.Mutex
	s3iface.S3API
	buckets map[string]map[string][]byte

	GetCalls  int
	PutCalls  int
	HeadCalls int
	ListCalls int

	FailGets     int
	FailPuts     int
	FailHeads    int
	FailLists    int
	TruncateGets bool
}

func (m *MockS3) NewBucket(name string) {
	m.Lock()
	defer m.Unlock()
	m.buckets[name] = map[string][]byte{}
}

// PutKey stores data directly, bypassing call counting and failure injection.
func (m *MockS3) PutKey(bucket, key string, data []byte) {
	m.Lock()
	defer m.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = map[string][]byte{}
		m.buckets[bucket] = b
	}
	b[key] = data
}

// GetKey reads data directly, bypassing call counting and failure injection.
func (m *MockS3) GetKey(bucket, key string) ([]byte, bool) {
	m.Lock()
	defer m.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, false
	}
	data, ok := b[key]
	return data, ok
}

func (m *MockS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()

	m.PutCalls++
	if m.FailPuts > 0 {
		m.FailPuts--
		return nil, fmt.Errorf("injected put failure for '%s'", *in.Key)
	}

	bucket, ok := m.buckets[*in.Bucket]
	if !ok {
		bucket = map[string][]byte{}
		m.buckets[*in.Bucket] = bucket
	}

	bucket[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	m.Lock()
	defer m.Unlock()

	m.GetCalls++
	if m.FailGets > 0 {
		m.FailGets--
		return nil, fmt.Errorf("injected get failure for '%s'", *in.Key)
	}

	bucket, ok := m.buckets[*in.Bucket]
	if !ok {
		return nil, fmt.Errorf("bucket '%s' does not exist", *in.Bucket)
	}

	data, ok := bucket[*in.Key]
	if !ok {
		return nil, fmt.Errorf("key '%s' does not exist in bucket '%s'", *in.Key, *in.Bucket)
	}

	body := data
	if m.TruncateGets && len(body) > 0 {
		body = body[:len(body)-1]
	}

	return &s3.GetObjectOutput{
		Body:          ioutil.NopCloser(bytes.NewBuffer(body)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *MockS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	m.Lock()
	defer m.Unlock()

	m.HeadCalls++
	if m.FailHeads > 0 {
		m.FailHeads--
		return nil, fmt.Errorf("injected head failure for '%s'", *in.Key)
	}

	bucket, ok := m.buckets[*in.Bucket]
	if !ok {
		return nil, fmt.Errorf("bucket '%s' does not exist", *in.Bucket)
	}

	data, ok := bucket[*in.Key]
	if !ok {
		return nil, fmt.Errorf("key '%s' does not exist in bucket '%s'", *in.Key, *in.Bucket)
	}

	sum := md5.Sum(data)
	etag := fmt.Sprintf(`"%x"`, sum)
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(etag),
	}, nil
}

func (m *MockS3) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error {
	m.Lock()

	m.ListCalls++
	if m.FailLists > 0 {
		m.FailLists--
		m.Unlock()
		return fmt.Errorf("injected list failure for prefix '%s'", aws.StringValue(in.Prefix))
	}

	bucket, ok := m.buckets[*in.Bucket]
	if !ok {
		m.Unlock()
		return fmt.Errorf("bucket '%s' does not exist", *in.Bucket)
	}

	var objects []*s3.Object
	for key := range bucket {
		if strings.HasPrefix(key, aws.StringValue(in.Prefix)) {
			objKey := key
			objects = append(objects, &s3.Object{Key: &objKey})
		}
	}
	m.Unlock()

	sort.Slice(objects, func(i, j int) bool { return *objects[i].Key < *objects[j].Key })

	out := new(s3.ListObjectsV2Output)
	out.SetContents(objects)
	fn(out, true)
	return nil
}

package s3

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBucket struct {
	objects map[string]string
	gets    int
}

func (m *memBucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(body)))}, nil
}

func (m *memBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.gets++
	body, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw     string
		bucket  string
		key     string
		wantErr bool
	}{
		{raw: "s3://mirror/freedos/fd11src.iso", bucket: "mirror", key: "freedos/fd11src.iso"},
		{raw: "s3://mirror/", wantErr: true},
		{raw: "s3:///key", wantErr: true},
		{raw: "https://mirror/key", wantErr: true},
		{raw: "s3://mirror/a/../b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			bucket, key, err := ParseURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestOpen_StreamsObject(t *testing.T) {
	bucket := &memBucket{objects: map[string]string{"fd11src.iso": "CD001"}}
	c := newWithAPI(bucket, quietLogger())

	rc, size, err := c.Open(context.Background(), "mirror", "fd11src.iso")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "CD001", string(data))
	assert.EqualValues(t, 5, size)
}

func TestOpen_MissingObject(t *testing.T) {
	bucket := &memBucket{objects: map[string]string{}}
	c := newWithAPI(bucket, quietLogger())

	_, _, err := c.Open(context.Background(), "mirror", "absent.iso")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Zero(t, bucket.gets, "GetObject must not run when HeadObject fails")

	exists, err := c.ObjectExists(context.Background(), "mirror", "absent.iso")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestValidateS3Key(t *testing.T) {
	assert.NoError(t, validateS3Key("images/fd11src.iso"))
	assert.Error(t, validateS3Key(""))
	assert.Error(t, validateS3Key("/abs"))
	assert.Error(t, validateS3Key("a/../b"))
	assert.Error(t, validateS3Key("a\x00b"))
	assert.Error(t, validateS3Key(strings.Repeat("k", 1025)))
}

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := newS3Store(map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestNewS3StoreRequiresLockTable(t *testing.T) {
	_, err := newS3Store(map[string]string{"bucket": "my-bucket"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dynamodb_table")
}

func TestNewS3StoreDefaults(t *testing.T) {
	options := map[string]string{
		"bucket":         "my-bucket",
		"dynamodb_table": "windlass-locks",
	}
	s, err := newS3Store(options)
	// May fail on AWS config load in CI without credentials, which is expected
	if err != nil {
		t.Skipf("Skipping S3 store test (no AWS credentials): %v", err)
	}
	s3s, ok := s.(*s3Store)
	require.True(t, ok)
	assert.Equal(t, "my-bucket", s3s.bucket)
	assert.Equal(t, "windlass/state", s3s.prefix)
	assert.Equal(t, "us-east-1", s3s.region)
	assert.Equal(t, "windlass-locks", s3s.table)
	assert.False(t, s3s.encrypt)
}

func TestNewS3StoreCustomConfig(t *testing.T) {
	options := map[string]string{
		"bucket":         "custom-bucket",
		"prefix":         "custom/path",
		"region":         "eu-west-1",
		"dynamodb_table": "custom-locks",
		"encrypt":        "true",
		"profile":        "staging",
	}
	s, err := newS3Store(options)
	if err != nil {
		t.Skipf("Skipping S3 store test (no AWS credentials): %v", err)
	}
	s3s, ok := s.(*s3Store)
	require.True(t, ok)
	assert.Equal(t, "custom-bucket", s3s.bucket)
	assert.Equal(t, "custom/path", s3s.prefix)
	assert.Equal(t, "eu-west-1", s3s.region)
	assert.Equal(t, "custom-locks", s3s.table)
	assert.True(t, s3s.encrypt)
}

func TestS3StoreKeyLayout(t *testing.T) {
	s := &s3Store{bucket: "b", prefix: "windlass/state"}
	assert.Equal(t, "windlass/state/default", s.scopeKey(""))
	assert.Equal(t, "windlass/state/default/state.json", s.stateKey(DefaultScope))
	assert.Equal(t, "windlass/state/prod/state.json", s.stateKey("prod"))
}

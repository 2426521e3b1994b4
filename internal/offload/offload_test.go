package offload

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/uniqbot/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		S3Endpoint:  "localhost:9000",
		S3AccessKey: "minio",
		S3SecretKey: "minio123",
		S3Region:    "us-east-1",
		S3Bucket:    "uniqbot-test",
		S3LinkTTL:   2 * time.Hour,
	}
}

func TestObjectKey(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC) }

	k := s.objectKey("/tmp/out_1_abc.MP4")
	assert.True(t, strings.HasPrefix(k, "videos/2024/03/09/"), k)
	assert.True(t, strings.HasSuffix(k, ".mp4"), k)
	assert.NotEqual(t, k, s.objectKey("/tmp/out_1_abc.MP4"))
	assert.True(t, strings.HasSuffix(s.objectKey("/tmp/noext"), ".mp4"))
	assert.Equal(t, 2*time.Hour, s.LinkTTL())
}

// Needs a reachable MinIO; set S3_TEST_ENDPOINT (plus S3_ACCESS_KEY and
// S3_SECRET_KEY) to run.
func TestOffloadAgainstMinio(t *testing.T) {
	ep := os.Getenv("S3_TEST_ENDPOINT")
	if ep == "" {
		t.Skip("S3_TEST_ENDPOINT not set")
	}
	cfg := testConfig()
	cfg.S3Endpoint = ep
	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")

	s, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.EnsureBucket(ctx))

	p := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(p, []byte("video"), 0o644))
	link, err := s.Offload(ctx, p)
	require.NoError(t, err)
	assert.Contains(t, link, cfg.S3Bucket)
	assert.Contains(t, link, "X-Amz-Signature")
}

package mirror

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	key         string
	bucket      string
	contentType string
	body        string
	err         error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.key = aws.ToString(in.Key)
	f.bucket = aws.ToString(in.Bucket)
	f.contentType = aws.ToString(in.ContentType)

	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.body = string(b)

	return &manager.UploadOutput{Key: in.Key}, nil
}

func TestKey(t *testing.T) {
	tests := []struct {
		prefix, path, want string
	}{
		{"", "/data/xhs_a_01.jpg", "xhs_a_01.jpg"},
		{"postdl", "/data/xhs_a_01.jpg", "postdl/xhs_a_01.jpg"},
		{"/media/posts/", "xhs_a_02.mp4", "media/posts/xhs_a_02.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.prefix, tt.path))
		})
	}
}

func TestS3Mirror_Publish(t *testing.T) {
	p := filepath.Join(t.TempDir(), "xhs_a_01.jpg")
	require.NoError(t, os.WriteFile(p, []byte("jpeg bytes"), 0o644))

	up := &fakeUploader{}
	m := NewWithUploader(up, "media", "/postdl/", nil)

	loc, err := m.Publish(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, "s3://media/postdl/xhs_a_01.jpg", loc)
	assert.Equal(t, "media", up.bucket)
	assert.Equal(t, "postdl/xhs_a_01.jpg", up.key)
	assert.Equal(t, "image/jpeg", up.contentType)
	assert.Equal(t, "jpeg bytes", up.body)
}

func TestS3Mirror_PublishErrors(t *testing.T) {
	m := NewWithUploader(&fakeUploader{}, "media", "", nil)

	_, err := m.Publish(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	p := filepath.Join(t.TempDir(), "x.jpg")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	boom := errors.New("access denied")
	m = NewWithUploader(&fakeUploader{err: boom}, "media", "", nil)

	_, err = m.Publish(context.Background(), p)
	assert.ErrorIs(t, err, boom)
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

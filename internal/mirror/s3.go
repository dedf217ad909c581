// Package mirror copies finished media files to S3 compatible object storage.
package mirror

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/italolelis/postdl/internal/logctx"
	"github.com/italolelis/postdl/internal/telemetry"
)

type Config struct {
	Bucket    string
	KeyPrefix string
	Region    string
	// Endpoint points at a non-AWS implementation such as MinIO. Path style addressing is
	// used when set.
	Endpoint string
}

// Uploader is the subset of manager.Uploader used here.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Mirror uploads files under a key prefix of one bucket.
type S3Mirror struct {
	uploader  Uploader
	bucket    string
	prefix    string
	telemetry *telemetry.Telemetry
}

// New builds an S3Mirror from the default AWS credential chain.
func New(ctx context.Context, cfg Config, tel *telemetry.Telemetry) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("mirror bucket is required")
	}

	var loadOpts []func(*awscfg.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(cfg.Region))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logctx.LoggerFromContext(ctx).Info("mirroring files to object storage", "bucket", cfg.Bucket, "region", cfg.Region)

	return NewWithUploader(manager.NewUploader(client), cfg.Bucket, cfg.KeyPrefix, tel), nil
}

func NewWithUploader(u Uploader, bucket, prefix string, tel *telemetry.Telemetry) *S3Mirror {
	return &S3Mirror{uploader: u, bucket: bucket, prefix: strings.Trim(prefix, "/"), telemetry: tel}
}

// Publish uploads the file at p and returns its s3:// location.
func (m *S3Mirror) Publish(ctx context.Context, p string) (string, error) {
	key := Key(m.prefix, p)

	err := m.telemetry.InstrumentClientOperation(ctx, "s3", "put_object", func(ctx context.Context) error {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open file %s: %w", p, err)
		}
		defer f.Close()

		input := &s3.PutObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
			Body:   f,
			ACL:    types.ObjectCannedACLPrivate,
		}

		if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
			input.ContentType = aws.String(ct)
		}

		if _, err := m.uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("upload %s: %w", p, err)
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// Key is the object key of a local file: the prefix joined with the file name.
func Key(prefix, p string) string {
	name := filepath.Base(p)
	if prefix == "" {
		return name
	}

	return path.Join(strings.Trim(prefix, "/"), name)
}

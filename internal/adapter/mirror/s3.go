// Package mirror ships committed artifacts to secondary storage.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/solenlabs/chatvault/internal/domain"
)

// S3Mirror uploads artifact files to an S3 bucket after the local commit has
// succeeded. The local filesystem stays the source of truth; a failed upload
// is reported to the caller and otherwise forgotten.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// Options selects the bucket and, optionally, a region and a custom endpoint
// for S3-compatible stores.
type Options struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Mirror builds a mirror using the ambient AWS credential chain.
func NewS3Mirror(ctx context.Context, opts Options, logger *slog.Logger) (*S3Mirror, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true // MinIO and LocalStack need path-style keys
		}
	})

	return &S3Mirror{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: logger.With("component", "s3_mirror"),
	}, nil
}

// NewS3MirrorWithClient builds a mirror around an existing client.
func NewS3MirrorWithClient(client *s3.Client, bucket, prefix string, logger *slog.Logger) *S3Mirror {
	return &S3Mirror{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With("component", "s3_mirror"),
	}
}

// Mirror uploads the artifact bytes under <prefix>/<kind>/<name>.
func (m *S3Mirror) Mirror(ctx context.Context, kind domain.ArtifactKind, name string, data []byte) error {
	key := path.Join(m.prefix, string(kind), name)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(name)),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", key, err)
	}
	m.logger.Debug("artifact mirrored", "key", key, "bytes", len(data))
	return nil
}

func contentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".json.gz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".json.zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

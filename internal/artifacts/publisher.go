package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"scene-render-service/internal/config"
	"scene-render-service/internal/models"
)

// Publisher mirrors a finished file somewhere readers can fetch it and
// returns the location it was published to.
type Publisher interface {
	Publish(ctx context.Context, a models.Artifact) (string, error)
}

// NewPublisher picks the publisher named by PUBLISH_TARGET.
func NewPublisher(ctx context.Context, cfg config.Config) (Publisher, error) {
	switch cfg.PublishTarget {
	case "", "local":
		return &LocalPublisher{baseDir: cfg.OutputDir}, nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("PUBLISH_TARGET=s3 requires S3_BUCKET")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Publisher{client: client, bucket: cfg.S3Bucket}, nil
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return nil, fmt.Errorf("PUBLISH_TARGET=minio requires MINIO_ENDPOINT and MINIO_BUCKET")
		}
		return NewMinioPublisher(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown PUBLISH_TARGET %q", cfg.PublishTarget)
	}
}

// objectKey is the storage key of an artifact: jobs/<job>/<id><ext>.
func objectKey(a models.Artifact) string {
	return fmt.Sprintf("jobs/%s/%s%s", a.JobID, a.ID, strings.ToLower(filepath.Ext(a.Path)))
}

// LocalPublisher keeps artifacts on disk under baseDir.
type LocalPublisher struct {
	baseDir string
}

func NewLocalPublisher(baseDir string) *LocalPublisher {
	return &LocalPublisher{baseDir: baseDir}
}

func (l *LocalPublisher) Publish(_ context.Context, a models.Artifact) (string, error) {
	base, err := filepath.Abs(l.baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve output dir: %w", err)
	}
	src, err := filepath.Abs(a.Path)
	if err != nil {
		return "", fmt.Errorf("resolve artifact path: %w", err)
	}
	if rel, err := filepath.Rel(base, src); err == nil && !strings.HasPrefix(rel, "..") {
		return src, nil
	}

	dst := filepath.Join(base, filepath.FromSlash(objectKey(a)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	return out.Close()
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// S3Publisher uploads artifacts with PutObject.
type S3Publisher struct {
	client *s3.Client
	bucket string
}

func NewS3Publisher(client *s3.Client, bucket string) *S3Publisher {
	return &S3Publisher{client: client, bucket: bucket}
}

func (s *S3Publisher) Publish(ctx context.Context, a models.Artifact) (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	key := objectKey(a)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(a.Size),
		ContentType:   aws.String(a.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// MinioPublisher uploads artifacts to a MinIO bucket.
type MinioPublisher struct {
	client *minio.Client
	bucket string
}

func NewMinioPublisher(ctx context.Context, cfg config.Config) (*MinioPublisher, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.MinioBucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.MinioBucket, err)
		}
	}
	return &MinioPublisher{client: client, bucket: cfg.MinioBucket}, nil
}

func (m *MinioPublisher) Publish(ctx context.Context, a models.Artifact) (string, error) {
	key := objectKey(a)
	info, err := m.client.FPutObject(ctx, m.bucket, key, a.Path, minio.PutObjectOptions{
		ContentType: a.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload to minio: %w", err)
	}
	return fmt.Sprintf("%s/%s/%s", m.client.EndpointURL(), info.Bucket, info.Key), nil
}

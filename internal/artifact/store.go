// Package artifact archives challenge payloads (screenshots, audio) so
// failed attempts can be inspected after the fact.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"dncl-checker/internal/config"
)

// Store persists one artifact under a key and returns its location.
type Store interface {
	Save(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks the S3 store when a bucket is configured, local disk otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Store{client: client, bucket: cfg.ArtifactS3Bucket}, nil
	}
	return &localStore{baseDir: cfg.ArtifactDir}, nil
}

type localStore struct {
	baseDir string
}

func (l *localStore) Save(_ context.Context, key string, body []byte, _ string) (string, error) {
	clean := sanitizeKey(key)
	path := filepath.Join(l.baseDir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

type s3Store struct {
	client *s3.Client
	bucket string
}

func (u *s3Store) Save(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	clean := sanitizeKey(key)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(clean),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, clean), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = strings.TrimLeft(key, "/")
	parts := strings.Split(key, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}

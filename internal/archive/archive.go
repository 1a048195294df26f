// Package archive pushes finished artifacts to S3-compatible object
// storage, zstd-compressed. The original pipeline ended in a remote-storage
// sink; this keeps that tail while the library stays the primary home.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/shelfsync/shelfsync/internal/storage"
)

// Config holds the object-store settings.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Store archives artifacts into one bucket under a key prefix.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates an archive store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load archive credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Archive compresses the artifact and uploads it under
// <prefix>/<item id>/<basename>.zst. Implements the upload stage's
// archiver contract; errors are the caller's to log, not to fail on.
func (s *Store) Archive(ctx context.Context, filePath string, item *storage.Item) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = file.Close() }()

	var compressed bytes.Buffer
	encoder, err := zstd.NewWriter(&compressed, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	rawSize, err := io.Copy(encoder, file)
	if err != nil {
		_ = encoder.Close()
		return fmt.Errorf("compress artifact: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("finalize compression: %w", err)
	}

	key := s.keyFor(item, filePath)
	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(compressed.Bytes()),
		ContentType: aws.String("application/zstd"),
		Metadata: map[string]string{
			"title":         item.Title,
			"external-id":   item.ExternalID,
			"original-size": strconv.FormatInt(rawSize, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("put archive object: %w", err)
	}

	slog.InfoContext(ctx, "artifact archived",
		"key", key,
		"raw_bytes", rawSize,
		"compressed_bytes", compressed.Len(),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Store) keyFor(item *storage.Item, filePath string) string {
	name := path.Base(strings.ReplaceAll(filePath, "\\", "/")) + ".zst"
	if s.prefix == "" {
		return fmt.Sprintf("%d/%s", item.ID, name)
	}
	return fmt.Sprintf("%s/%d/%s", s.prefix, item.ID, name)
}

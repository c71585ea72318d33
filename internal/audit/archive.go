// internal/audit/archive.go
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/FairForge/failover/internal/ha"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// s3API is the subset of *s3.Client used by the archiver
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig locates the archive bucket
type ArchiveConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // set for S3-compatible stores
	AccessKey string
	SecretKey string
}

// S3Archiver writes closed records to object storage as gzip'd JSON.
// Open records and role changes are ignored.
type S3Archiver struct {
	client s3API
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Archiver builds an S3 client from cfg
func NewS3Archiver(ctx context.Context, cfg ArchiveConfig, logger *zap.Logger) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Archiver(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3Archiver(client s3API, bucket, prefix string, logger *zap.Logger) *S3Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger.Named("audit-archive")}
}

// Key returns the object key for rec
func (a *S3Archiver) Key(rec ha.FailoverRecord) string {
	return fmt.Sprintf("%s%s/%s/%s.json.gz", a.prefix, rec.Dataset, rec.TriggeredAt.UTC().Format("2006/01/02"), rec.ID)
}

func (a *S3Archiver) SaveRecord(ctx context.Context, rec ha.FailoverRecord) error {
	if !rec.Closed() {
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return fmt.Errorf("compress record: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress record: %w", err)
	}

	key := a.Key(rec)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("archive put %s: %w", key, err)
	}

	a.logger.Debug("record archived",
		zap.String("record_id", rec.ID),
		zap.String("key", key),
		zap.Int("bytes", buf.Len()))
	return nil
}

func (a *S3Archiver) SaveRoles(ctx context.Context, dataset string, roles map[ha.RegionID]ha.Role) error {
	return nil
}

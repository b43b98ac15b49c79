// Package artifact archives finished run records to object storage.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
)

// Archiver stores a terminal run record.
type Archiver interface {
	Archive(ctx context.Context, rec *model.RunRecord) error
}

// NopArchiver discards records.
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, *model.RunRecord) error { return nil }

// S3Config configures the S3 archiver. Endpoint and path-style addressing
// allow S3-compatible providers such as MinIO.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Prefix         string `yaml:"prefix"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// objectPutter is the subset of *s3.Client the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each run record as a JSON object.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Archiver builds an archiver from static credentials.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact: bucket name is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key returns the object key for a run: <prefix>/runs/<workspace>/<run>.json.
func (a *S3Archiver) Key(rec *model.RunRecord) string {
	return path.Join(strings.Trim(a.prefix, "/"), "runs", rec.WorkspaceID, rec.ID+".json")
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, rec *model.RunRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("artifact: marshal run %s: %w", rec.ID, err)
	}
	key := a.Key(rec)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"status":    string(rec.Status),
			"code-hash": rec.CodeHash,
		},
	})
	if err != nil {
		return fmt.Errorf("artifact: put object %s: %w", key, err)
	}
	return nil
}

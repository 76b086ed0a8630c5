// Package storage mirrors finished product files to an S3 compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"eodms-api-client/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"
)

var ErrNoBucket = errors.New("mirror bucket not configured")

// objectAPI is the subset of the S3 client the mirror uses.
type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads local files under Prefix in Bucket.
type S3Mirror struct {
	client objectAPI
	Bucket string
	Prefix string
	Logger log.FieldLogger
}

// NewS3Mirror builds a mirror from configuration. Credentials come from the
// static key pair when set, otherwise from the default AWS chain.
func NewS3Mirror(ctx context.Context, cfg models.MirrorConfig) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	awsCfg, err := buildAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &S3Mirror{client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

func buildAWSConfig(ctx context.Context, cfg models.MirrorConfig) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, optFns...)
}

func (m *S3Mirror) logger() log.FieldLogger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.StandardLogger()
}

// Key is the object key for a local file.
func (m *S3Mirror) Key(localPath string) string {
	name := filepath.Base(localPath)
	prefix := strings.Trim(m.Prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Upload copies localPath to the bucket unless an object of the same size
// is already there.
func (m *S3Mirror) Upload(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	key := m.Key(localPath)

	head, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		if aws.ToInt64(head.ContentLength) == info.Size() {
			m.logger().Debugf("s3://%s/%s already mirrored", m.Bucket, key)
			return nil
		}
	case !isNotFound(err):
		return fmt.Errorf("failed to check s3://%s/%s: %w", m.Bucket, key, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(localPath)),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", m.Bucket, key, err)
	}
	m.logger().Infof("Mirrored %s to s3://%s/%s", filepath.Base(localPath), m.Bucket, key)
	return nil
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".zip":
		return "application/zip"
	case ".json", ".geojson":
		return "application/json"
	}
	return "application/octet-stream"
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

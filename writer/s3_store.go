package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "klinesync/config"
	"klinesync/logger"
	"klinesync/models"
)

// objectAPI is the part of the S3 client the store needs.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps one parquet object per archive. A PutObject either lands
// completely or not at all, so Save never exposes a partial archive.
type S3Store struct {
	client objectAPI
	bucket string
	prefix string
	log    *logger.Log
}

// NewS3Store builds the S3 client from cfg.Storage.S3. Static credentials are
// used when both keys are set, otherwise the default AWS chain applies.
func NewS3Store(ctx context.Context, cfg *appconfig.Config) (*S3Store, error) {
	s3cfg := cfg.Storage.S3
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s3cfg.AccessKeyID,
				s3cfg.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	store := newS3Store(client, s3cfg.Bucket, s3cfg.Prefix)
	store.log.WithComponent("s3_store").WithFields(logger.Fields{
		"bucket": s3cfg.Bucket,
		"prefix": s3cfg.Prefix,
		"region": s3cfg.Region,
	}).Debug("s3 store initialized")
	return store, nil
}

func newS3Store(client objectAPI, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    logger.GetLogger(),
	}
}

// Key returns the object key of an archive, partitioned hive style.
func (s *S3Store) Key(key ArchiveKey) string {
	return path.Join(s.prefix,
		"symbol="+key.Symbol,
		"interval="+key.Interval,
		fmt.Sprintf("%s-%s.parquet", key.Symbol, key.Interval))
}

func (s *S3Store) Load(ctx context.Context, key ArchiveKey) (models.Table, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(key)),
	})
	if err != nil {
		if isMissingObject(err) {
			return nil, false, nil
		}
		return nil, false, &ArchiveError{Key: key, Op: "get", Err: err}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, &ArchiveError{Key: key, Op: "read", Err: err}
	}
	table, err := DecodeParquet(data)
	if err != nil {
		return nil, false, &ArchiveError{Key: key, Op: "decode", Err: err}
	}
	return table, true, nil
}

func (s *S3Store) Save(ctx context.Context, key ArchiveKey, table models.Table) error {
	data, err := EncodeParquet(table)
	if err != nil {
		return &ArchiveError{Key: key, Op: "encode", Err: err}
	}

	objectKey := s.Key(key)
	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return &ArchiveError{Key: key, Op: "put", Err: err}
	}

	duration := time.Since(start)
	fields := logger.Fields{
		"bucket":      s.bucket,
		"key":         objectKey,
		"records":     len(table),
		"size_bytes":  len(data),
		"duration_ms": duration.Milliseconds(),
	}
	if duration > 0 {
		fields["throughput_bytes_per_sec"] = float64(len(data)) / duration.Seconds()
	}
	s.log.WithComponent("s3_store").WithFields(fields).Info("archive uploaded")
	return nil
}

func isMissingObject(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

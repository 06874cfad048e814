package filesvc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core"
)

const s3KeyPrefix = "documents"

type s3Storage struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

var _ core.FileStorage = (*s3Storage)(nil) // interface compliance check

// NewS3Storage uses the default AWS credentials chain. With a custom endpoint (LocalStack, MinIO)
// requests are path-style and signed with static test credentials unless AWS_* variables are set.
func NewS3Storage(ctx context.Context, conf *core.Config) (core.FileStorage, error) {
	sc := conf.Storage
	if sc.S3Bucket == "" {
		return nil, errors.New("storage.s3Bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(sc.S3Region)}
	if sc.S3Endpoint != "" && !conf.IsProduction() {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if sc.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	baseURL := sc.PublicBaseURL
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		if sc.S3Endpoint != "" {
			baseURL = fmt.Sprintf("%s/%s", strings.TrimSuffix(sc.S3Endpoint, "/"), sc.S3Bucket)
		} else {
			baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", sc.S3Bucket, sc.S3Region)
		}
	}
	baseURL = strings.TrimSuffix(baseURL, "/") + "/" + s3KeyPrefix

	return &s3Storage{client: client, bucket: sc.S3Bucket, baseURL: baseURL}, nil
}

func (s *s3Storage) Save(ctx context.Context, name, contentType string, size int64, r io.Reader) (string, error) {
	body, ok := r.(io.ReadSeeker)
	if !ok {
		// the SDK signs the payload, which requires a seekable body
		buf, err := io.ReadAll(r)
		if err != nil {
			return "", errors.Wrap(err, "reading file")
		}
		body = bytes.NewReader(buf)
	}

	obj := objectName(name)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s3KeyPrefix + "/" + obj),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", errors.Wrap(err, "uploading file to S3")
	}
	return s.baseURL + "/" + obj, nil
}

// Delete ignores urls not produced by this storage.
func (s *s3Storage) Delete(ctx context.Context, url string) error {
	name, ok := nameFromURL(url, s.baseURL)
	if !ok {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3KeyPrefix + "/" + name),
	})
	return errors.Wrap(err, "deleting file from S3")
}

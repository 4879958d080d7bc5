package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go/logging"
)

// S3Client abstracts the S3 client methods we use
type S3Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const S3MaxKeys = 1000

// S3Config holds the configuration for S3/Minio client
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Insecure        bool
	UsePathStyle    bool
}

// S3 reads scan inputs named s3://bucket/key.
type S3 struct {
	client S3Client
}

var _ Source = &S3{}

// noOpLogger implements logging.Logger and discards all logs
type noOpLogger struct{}

func (noOpLogger) Logf(logging.Classification, string, ...any) {}

func NewS3(ctx context.Context, cfg S3Config) (src *S3, err error) {
	opts := []func(*config.LoadOptions) error{
		config.WithClientLogMode(0),
		config.WithLogger(noOpLogger{}),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Insecure {
		httpClient := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, //nolint:gosec // Configuration choose by user
				},
			},
		}
		opts = append(opts, config.WithHTTPClient(httpClient))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		err = fmt.Errorf("could not load s3 configuration: %w", err)
		return
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.UsePathStyle
			o.ClientLogMode = 0
			o.Logger = noOpLogger{}
		},
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	src = NewS3WithClient(s3.NewFromConfig(awsCfg, clientOpts...))
	return
}

func NewS3WithClient(client S3Client) *S3 {
	return &S3{client: client}
}

// ParseS3Location splits s3://bucket/key into bucket and key.
func ParseS3Location(location string) (bucket, key string, err error) {
	if !IsS3(location) {
		err = fmt.Errorf("invalid s3 location %q: scheme must be s3://", location)
		return
	}
	trimmed := location[len(s3Scheme):]
	bucket, key, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		err = fmt.Errorf("invalid s3 location %q: bucket name required", location)
		return
	}
	return
}

func (s *S3) Open(ctx context.Context, location string) (obj Object, err error) {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return
	}
	if key == "" || strings.HasSuffix(key, "/") {
		err = errors.New("cannot open a bucket or prefix as a file")
		return
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = notExist(err)
		return
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = notExist(err)
		return
	}
	obj = Object{
		ReadCloser: result.Body,
		Name:       path.Base(key),
		Location:   location,
		Size:       aws.ToInt64(head.ContentLength),
	}
	return
}

func (s *S3) Walk(ctx context.Context, location string, fn WalkFunc) (err error) {
	bucket, prefix, err := ParseS3Location(location)
	if err != nil {
		return
	}

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		head, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(prefix),
		})
		if headErr == nil {
			return fn(location, aws.ToInt64(head.ContentLength))
		}
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(S3MaxKeys),
	})
	for paginator.HasMorePages() {
		page, pageErr := paginator.NextPage(ctx)
		if pageErr != nil {
			err = notExist(pageErr)
			return
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// directory markers
			if strings.HasSuffix(key, "/") {
				continue
			}
			if err = fn(s3Scheme+bucket+"/"+key, aws.ToInt64(obj.Size)); err != nil {
				return
			}
		}
	}
	return
}

func notExist(err error) error {
	respErr := new(awshttp.ResponseError)
	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		notFound *types.NotFound
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &noBucket), errors.As(err, &notFound):
		return errors.Join(fs.ErrNotExist, err)
	case errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusNotFound:
		return errors.Join(fs.ErrNotExist, err)
	default:
		return err
	}
}
